package clipboard

import (
	"sync"
	"testing"
	"time"

	"github.com/tzabx/clipberry/models"
)

type changeCollector struct {
	mu      sync.Mutex
	changes []models.ClipboardContent
}

func (c *changeCollector) handle(content models.ClipboardContent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, content)
}

func (c *changeCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func (c *changeCollector) last() models.ClipboardContent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes[len(c.changes)-1]
}

func startTestWatcher(t *testing.T, system System) (*Watcher, *changeCollector) {
	t.Helper()

	collector := &changeCollector{}
	watcher := NewWatcher(system, 10*time.Millisecond, collector.handle)
	watcher.Start()
	t.Cleanup(watcher.Stop)

	return watcher, collector
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMemoryClipboard(t *testing.T) {
	clipboard := NewMemory()

	if _, err := clipboard.Read(); err != ErrEmpty {
		t.Fatalf("empty clipboard read: got %v, want ErrEmpty", err)
	}

	content := models.ClipboardContent{Type: models.ContentTypeText, Data: []byte("hello")}
	if err := clipboard.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := clipboard.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got.Data) != "hello" {
		t.Fatalf("got %q, want %q", got.Data, "hello")
	}
}

func TestWatcherCapturesLocalChange(t *testing.T) {
	clipboard := NewMemory()
	_, collector := startTestWatcher(t, clipboard)

	content := models.ClipboardContent{Type: models.ContentTypeText, Data: []byte("copied locally")}
	if err := clipboard.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return collector.count() == 1
	}, "local change capture")

	if string(collector.last().Data) != "copied locally" {
		t.Fatalf("captured %q, want %q", collector.last().Data, "copied locally")
	}
}

func TestWatcherIgnoresUnchangedContent(t *testing.T) {
	clipboard := NewMemory()
	_, collector := startTestWatcher(t, clipboard)

	content := models.ClipboardContent{Type: models.ContentTypeText, Data: []byte("stable")}
	if err := clipboard.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return collector.count() == 1
	}, "initial capture")

	// Content stays the same across many polls.
	time.Sleep(100 * time.Millisecond)
	if got := collector.count(); got != 1 {
		t.Fatalf("unchanged content captured %d times, want 1", got)
	}
}

func TestWatcherSuppressesRemoteEcho(t *testing.T) {
	clipboard := NewMemory()
	watcher, collector := startTestWatcher(t, clipboard)

	remote := models.ClipboardContent{Type: models.ContentTypeText, Data: []byte("from peer")}
	if err := watcher.ApplyRemote(remote); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	got, err := clipboard.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got.Data) != "from peer" {
		t.Fatalf("clipboard holds %q, want %q", got.Data, "from peer")
	}

	time.Sleep(100 * time.Millisecond)
	if count := collector.count(); count != 0 {
		t.Fatalf("applied remote content captured %d times, want 0", count)
	}

	// A later genuine local change is still captured.
	local := models.ClipboardContent{Type: models.ContentTypeText, Data: []byte("typed here")}
	if err := clipboard.Write(local); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return collector.count() == 1
	}, "local change after remote apply")
}

func TestWatcherBaselineSkipsExistingContent(t *testing.T) {
	clipboard := NewMemory()
	existing := models.ClipboardContent{Type: models.ContentTypeText, Data: []byte("pre-existing")}
	if err := clipboard.Write(existing); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_, collector := startTestWatcher(t, clipboard)

	time.Sleep(100 * time.Millisecond)
	if got := collector.count(); got != 0 {
		t.Fatalf("startup content captured %d times, want 0", got)
	}
}
