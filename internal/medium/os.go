package medium

import (
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// Dir is Medium backed by a directory, typically SD card mount point.
// Available reports whether directory exists, so unmounted card reads as absent.
type Dir struct {
	Root     string
	FilePerm os.FileMode
}

var _ Medium = Dir{}
var _ Locker = Dir{}

func NewDir(root string) Dir { return Dir{Root: root, FilePerm: 0644} }

func (d Dir) path(name string) string { return filepath.Join(d.Root, filepath.Clean("/"+name)) }

func (d Dir) Available() bool {
	if d.Root == "" {
		return false
	}
	st, err := os.Stat(d.Root)
	return err == nil && st.IsDir()
}

func (d Dir) Exists(name string) bool {
	_, err := os.Stat(d.path(name))
	return err == nil
}

func (d Dir) Open(name string) (File, error) {
	perm := d.FilePerm
	if perm == 0 {
		perm = 0644
	}
	f, err := os.OpenFile(d.path(name), os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (d Dir) Remove(name string) error {
	err := os.Remove(d.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d Dir) Rename(oldname, newname string) error {
	return os.Rename(d.path(oldname), d.path(newname))
}

// Lock takes exclusive non-blocking flock on named file, held until Close.
func (d Dir) Lock(name string) (io.Closer, error) {
	f, err := os.OpenFile(d.path(name), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.Errorf("medium lock %s held by another process", name)
		}
		return nil, errors.Annotatef(err, "medium flock %s", name)
	}
	return lockFile{f}, nil
}

type lockFile struct{ f *os.File }

func (l lockFile) Close() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

type osFile struct{ *os.File }

func (f osFile) Size() (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
