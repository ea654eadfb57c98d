package clipboard

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tzabx/clipberry/models"
)

const (
	// DefaultPollInterval is how often the watcher samples the clipboard.
	DefaultPollInterval = 1 * time.Second
	// echoTTL bounds how long a written hash suppresses capture. Polling
	// picks the write up within one or two intervals, so anything older is
	// a genuine local copy of the same content.
	echoTTL = 10 * time.Second
)

// ChangeFunc receives freshly captured local clipboard content.
type ChangeFunc func(models.ClipboardContent)

// Watcher polls the clipboard for local changes and feeds them to a
// callback. Content the watcher itself wrote through Apply is suppressed,
// otherwise every remote item would immediately echo back as a local change.
type Watcher struct {
	system   System
	onChange ChangeFunc
	interval time.Duration

	mu       sync.Mutex
	lastHash string
	echoes   map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher over the given clipboard. onChange is invoked
// from the polling goroutine.
func NewWatcher(system System, interval time.Duration, onChange ChangeFunc) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		system:   system,
		onChange: onChange,
		interval: interval,
		echoes:   make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. The current clipboard content is recorded
// as the baseline so restarting does not replay it as a change.
func (w *Watcher) Start() {
	if content, err := w.system.Read(); err == nil {
		w.mu.Lock()
		w.lastHash = content.Hash()
		w.mu.Unlock()
	}
	go w.pollLoop()
}

// Stop halts the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}

// ApplyRemote writes remote content to the clipboard and marks it so the
// next poll does not capture it as a local change.
func (w *Watcher) ApplyRemote(content models.ClipboardContent) error {
	hash := content.Hash()

	w.mu.Lock()
	w.echoes[hash] = time.Now().Add(echoTTL)
	w.mu.Unlock()

	if err := w.system.Write(content); err != nil {
		w.mu.Lock()
		delete(w.echoes, hash)
		w.mu.Unlock()
		return err
	}
	return nil
}

func (w *Watcher) pollLoop() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) poll() {
	content, err := w.system.Read()
	if err != nil {
		if !errors.Is(err, ErrEmpty) {
			log.Printf("clipboard: read failed: %v", err)
		}
		return
	}

	hash := content.Hash()

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = hash

	if deadline, ok := w.echoes[hash]; ok {
		delete(w.echoes, hash)
		w.mu.Unlock()
		if time.Now().Before(deadline) {
			return
		}
	} else {
		w.pruneEchoesLocked()
		w.mu.Unlock()
	}

	w.onChange(content)
}

func (w *Watcher) pruneEchoesLocked() {
	now := time.Now()
	for hash, deadline := range w.echoes {
		if now.After(deadline) {
			delete(w.echoes, hash)
		}
	}
}
