package devio

import "sync"

// MemDevice is an in-memory BlockDevice used by unit tests that do not
// need real file-descriptor semantics, keeping the devio interface the
// single seam between the engine and physical storage.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewMemDevice returns a MemDevice preallocated to size bytes.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

func (m *MemDevice) grow(end int64) {
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
}

func (m *MemDevice) ReadAt(off int64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(off + int64(len(p)))
	copy(p, m.data[off:off+int64(len(p))])
	return nil
}

func (m *MemDevice) WriteAt(off int64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(off + int64(len(p)))
	copy(m.data[off:off+int64(len(p))], p)
	return nil
}

func (m *MemDevice) ReadvAt(segs []IOSegment) error {
	for _, s := range segs {
		if err := m.ReadAt(s.Off, s.Data); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemDevice) WritevAt(segs []IOSegment) error {
	for _, s := range segs {
		if err := m.WriteAt(s.Off, s.Data); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemDevice) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func (m *MemDevice) Close() error { return nil }
