// Package medium abstracts non-volatile storage of named files (SD card, flash directory).
// Medium may disappear at runtime (card removed), callers must check Available and treat
// every operation as fallible.
package medium

import (
	"io"

	"github.com/juju/errors"
)

type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Size() (int64, error)
	Truncate(size int64) error
	Sync() error
}

type Medium interface {
	Available() bool
	Exists(name string) bool
	// Open opens read-write, creating when absent.
	Open(name string) (File, error)
	Remove(name string) error
	Rename(oldname, newname string) error
}

// Locker is optional, implemented by media shared between processes.
type Locker interface {
	Lock(name string) (io.Closer, error)
}

var ErrAbsent = errors.New("storage medium absent")

// ReadFile reads whole named file, nil,nil when it does not exist.
func ReadFile(m Medium, name string) ([]byte, error) {
	if m == nil || !m.Available() {
		return nil, ErrAbsent
	}
	if !m.Exists(name) {
		return nil, nil
	}
	f, err := m.Open(name)
	if err != nil {
		return nil, errors.Annotatef(err, "medium open %s", name)
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return nil, errors.Annotatef(err, "medium size %s", name)
	}
	b := make([]byte, size)
	if _, err = f.ReadAt(b, 0); err != nil && err != io.EOF {
		return nil, errors.Annotatef(err, "medium read %s", name)
	}
	return b, nil
}

// WriteFile replaces named file atomically via temporary file and rename.
func WriteFile(m Medium, name string, b []byte) error {
	if m == nil || !m.Available() {
		return ErrAbsent
	}
	tmp := name + ".tmp"
	f, err := m.Open(tmp)
	if err != nil {
		return errors.Annotatef(err, "medium open %s", tmp)
	}
	err = f.Truncate(0)
	if err == nil {
		_, err = f.WriteAt(b, 0)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = m.Remove(tmp)
		return errors.Annotatef(err, "medium write %s", tmp)
	}
	return errors.Annotatef(m.Rename(tmp, name), "medium rename %s", name)
}
