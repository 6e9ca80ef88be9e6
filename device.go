package cowbt

import (
	"errors"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/nyan233/cowbt/internal/sys"
)

// Device is the raw block store. Only the buffer cache and the superblock
// code issue I/O against it.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// Sync makes every completed WriteAt durable.
	Sync() error
	Close() error
}

// FileDevice is a Device over a locked regular file.
type FileDevice struct {
	file *os.File
}

func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := sys.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return &FileDevice{file: f}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.file.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.file.WriteAt(p, off)
}

func (d *FileDevice) Sync() error {
	return sys.DataSync(d.file)
}

func (d *FileDevice) Size() (int64, error) {
	stat, err := d.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

func (d *FileDevice) Close() (err error) {
	if d.file == nil {
		return nil
	}
	_ = sys.UnlockFile(d.file)
	err = d.file.Close()
	d.file = nil
	return
}

var errNegativeOffset = errors.New("negative offset")

// MemDevice is an in-memory Device. It keeps the image as of the last Sync
// separately so a crash can be simulated with CrashImage.
type MemDevice struct {
	mu      sync.Mutex
	data    []byte
	durable []byte
}

func NewMemDevice() *MemDevice {
	return &MemDevice{}
}

func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, errNegativeOffset
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if off < 0 || end < off {
		return 0, errNegativeOffset
	}
	if end > int64(len(m.data)) {
		m.data = slices.Grow(m.data, int(end)-len(m.data))[:end]
	}
	return copy(m.data[off:], p), nil
}

func (m *MemDevice) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durable = slices.Clone(m.data)
	return nil
}

func (m *MemDevice) Close() error {
	return nil
}

// CrashImage returns a device holding only what had been synced.
func (m *MemDevice) CrashImage() *MemDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &MemDevice{data: slices.Clone(m.durable), durable: slices.Clone(m.durable)}
}

// Bytes returns a copy of the current, possibly unsynced, image.
func (m *MemDevice) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.data)
}
