package clipboard

import (
	"errors"
	"sync"

	"github.com/tzabx/clipberry/models"
)

// ErrEmpty indicates the clipboard holds no content yet.
var ErrEmpty = errors.New("clipboard: no content")

// System abstracts the platform clipboard.
type System interface {
	Read() (models.ClipboardContent, error)
	Write(models.ClipboardContent) error
}

// Memory is an in-process clipboard. It backs headless deployments and
// tests; platform adapters satisfy the same interface.
type Memory struct {
	mu      sync.Mutex
	content models.ClipboardContent
	set     bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Read() (models.ClipboardContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return models.ClipboardContent{}, ErrEmpty
	}
	return m.content, nil
}

func (m *Memory) Write(content models.ClipboardContent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = content
	m.set = true
	return nil
}
