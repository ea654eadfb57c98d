package sync

// hashWindow tracks the most recent content hashes seen by the engine. It is
// the second line of defense against replication loops when the same content
// arrives under different (origin, sequence) identities.
type hashWindow struct {
	capacity int
	order    []string
	present  map[string]struct{}
}

func newHashWindow(capacity int) *hashWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &hashWindow{
		capacity: capacity,
		present:  make(map[string]struct{}, capacity),
	}
}

func (w *hashWindow) contains(hash string) bool {
	_, ok := w.present[hash]
	return ok
}

func (w *hashWindow) add(hash string) {
	if hash == "" {
		return
	}
	if _, ok := w.present[hash]; ok {
		return
	}

	if len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.present, oldest)
	}

	w.order = append(w.order, hash)
	w.present[hash] = struct{}{}
}
