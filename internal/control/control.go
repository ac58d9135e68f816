// Package control guards a bridge folder against a second synchronizer and
// publishes its state in a small memory-mapped control file that other
// processes can inspect without taking the lock.
package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ControlSize = 4096       // 1 page
	Magic       = 0x5242434C // 'RBCL'
	Version     = 1
)

// ErrLocked is returned when another process holds the control file.
var ErrLocked = errors.New("bridge folder is in use by another process")

// Block is the layout of the control file.
type Block struct {
	Magic      uint32
	Version    uint32
	Generation uint64 // Atomic, bumped after each refresh
	PID        uint64
	BridgePath [256]byte
	Padding    [ControlSize - 280]byte
}

// Info is a snapshot of a control file.
type Info struct {
	Held       bool
	PID        int
	Generation uint64
	BridgePath string
}

// Controller owns the control file of one bridge folder.
type Controller struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

// PathFor returns the control file path for a bridge folder: a hidden
// sibling so rebuilding the folder never touches it.
func PathFor(bridgeFolder string) string {
	abs, err := filepath.Abs(bridgeFolder)
	if err != nil {
		abs = filepath.Clean(bridgeFolder)
	}
	return filepath.Join(filepath.Dir(abs), "."+filepath.Base(abs)+".lock")
}

// Acquire takes the exclusive lock on the control file at path, creating
// it if needed, and records this process as the owner of bridgeFolder.
func Acquire(path, bridgeFolder string) (*Controller, error) {
	if len(bridgeFolder) >= len(Block{}.BridgePath) {
		return nil, fmt.Errorf("bridge folder path too long (max %d)", len(Block{}.BridgePath)-1)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("lock control file: %w", err)
	}

	c, err := mapFile(f, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	c.path = path

	// Initialize if new
	if c.ptr.Magic == 0 {
		c.ptr.Magic = Magic
		c.ptr.Version = Version
	}
	c.ptr.PID = uint64(os.Getpid())
	var bp [256]byte
	copy(bp[:], bridgeFolder)
	c.ptr.BridgePath = bp
	return c, nil
}

func mapFile(f *os.File, prot int) (*Controller, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() < ControlSize {
		if prot&unix.PROT_WRITE == 0 {
			return nil, fmt.Errorf("control file too short: %d bytes", info.Size())
		}
		if err := f.Truncate(ControlSize); err != nil {
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	ptr := (*Block)(unsafe.Pointer(&data[0]))
	if ptr.Magic != 0 && ptr.Magic != Magic {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("invalid magic: %x", ptr.Magic)
	}
	return &Controller{file: f, data: data, ptr: ptr}, nil
}

// Inspect reads the control file at path without taking the lock.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	c, err := mapFile(f, unix.PROT_READ)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = unix.Munmap(c.data) }()

	info := Info{
		PID:        int(c.ptr.PID),
		Generation: atomic.LoadUint64(&c.ptr.Generation),
		BridgePath: cString(c.ptr.BridgePath[:]),
	}
	// A shared lock only succeeds when nobody holds the exclusive one.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		info.Held = true
	} else {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}
	return info, nil
}

// Path returns the control file path.
func (c *Controller) Path() string { return c.path }

// Generation returns the current generation atomically.
func (c *Controller) Generation() uint64 {
	return atomic.LoadUint64(&c.ptr.Generation)
}

// Bump advances the generation after a refresh and returns the new value.
func (c *Controller) Bump() uint64 {
	return atomic.AddUint64(&c.ptr.Generation, 1)
}

// Close unmaps the block and releases the lock. The file stays so the
// generation survives restarts.
func (c *Controller) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	_ = unix.Flock(int(c.file.Fd()), unix.LOCK_UN)
	return c.file.Close()
}

func cString(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
