package medium

import (
	"io"
	"sync"

	"github.com/juju/errors"
)

// Memory is Medium kept in process memory, for tests and diskless builds.
// SetAvailable(false) simulates removed card, FailWrites injects I/O errors.
type Memory struct {
	mu        sync.Mutex
	files     map[string][]byte
	absent    bool
	failWrite bool
}

var _ Medium = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{files: make(map[string][]byte)} }

func (m *Memory) SetAvailable(v bool) {
	m.mu.Lock()
	m.absent = !v
	m.mu.Unlock()
}

func (m *Memory) FailWrites(v bool) {
	m.mu.Lock()
	m.failWrite = v
	m.mu.Unlock()
}

// Bytes returns copy of file content, nil when absent.
func (m *Memory) Bytes(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	if !ok {
		return nil
	}
	return append([]byte(nil), b...)
}

// Poke overwrites one byte, for corruption tests.
func (m *Memory) Poke(name string, off int, v byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name][off] = v
}

func (m *Memory) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.absent
}

func (m *Memory) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok && !m.absent
}

func (m *Memory) Open(name string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.absent {
		return nil, ErrAbsent
	}
	if _, ok := m.files[name]; !ok {
		m.files[name] = []byte{}
	}
	return &memFile{m: m, name: name}, nil
}

func (m *Memory) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.absent {
		return ErrAbsent
	}
	delete(m.files, name)
	return nil
}

func (m *Memory) Rename(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.absent {
		return ErrAbsent
	}
	b, ok := m.files[oldname]
	if !ok {
		return errors.NotFoundf("medium file %s", oldname)
	}
	m.files[newname] = b
	delete(m.files, oldname)
	return nil
}

type memFile struct {
	m    *Memory
	name string
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if f.m.absent {
		return 0, ErrAbsent
	}
	b := f.m.files[f.name]
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if f.m.absent {
		return 0, ErrAbsent
	}
	if f.m.failWrite {
		return 0, errors.New("medium injected write failure")
	}
	b := f.m.files[f.name]
	if end := off + int64(len(p)); end > int64(len(b)) {
		nb := make([]byte, end)
		copy(nb, b)
		b = nb
	}
	copy(b[off:], p)
	f.m.files[f.name] = b
	return len(p), nil
}

func (f *memFile) Size() (int64, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if f.m.absent {
		return 0, ErrAbsent
	}
	return int64(len(f.m.files[f.name])), nil
}

func (f *memFile) Truncate(size int64) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if f.m.absent {
		return ErrAbsent
	}
	if f.m.failWrite {
		return errors.New("medium injected write failure")
	}
	b := f.m.files[f.name]
	if size <= int64(len(b)) {
		f.m.files[f.name] = b[:size]
	} else {
		nb := make([]byte, size)
		copy(nb, b)
		f.m.files[f.name] = nb
	}
	return nil
}

func (f *memFile) Sync() error  { return nil }
func (f *memFile) Close() error { return nil }
