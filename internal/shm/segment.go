// Package shm manages the named shared-memory segments flowshm's
// registry, pools and port queues are built on top of: creation, opening,
// and the magic/version/initialized bootstrap handshake described in
// spec §6.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/flowshm/flowshm/internal/constants"
)

// HeaderSize is the size in bytes of the common segment header
// {magic:u64, version:u32, initialized:u32} (§6). The spec's wire layout
// packs initialized into a single byte plus 24 reserved bits; we round up
// to a lock-free-friendly u32 since nothing in this module needs to be
// byte-compatible with another language's struct layout.
const HeaderSize = 16

// Segment is a named block of shared memory: either backed by a real
// /dev/shm mapping (DefaultDir) visible to other OS processes, or, for
// single-process use and tests, a goroutine-safe in-memory arena
// (see MemSegment). Both expose the same header/body contract.
type Segment interface {
	// Name is the segment's shared name, as passed to Create/Open.
	Name() string
	// Data is the full mapped region, header included.
	Data() []byte
	// Body is Data() past the common header, where type-specific content
	// begins (§6).
	Body() []byte
	Magic() uint64
	Version() uint32
	MarkInitialized()
	WaitInitialized(timeout time.Duration) error
	Close() error
}

// DefaultDir is where real (cross-process) segments are created, matching
// the convention AlephTX's shm ring buffer and go-ublk's mmap'd queue
// regions both use.
var DefaultDir = "/dev/shm"

type mmapSegment struct {
	name string
	file *os.File
	data []byte
}

// CreateMmap creates (or truncates) a real shared-memory-backed segment
// under DefaultDir, mmaps it MAP_SHARED, and writes the header's magic and
// version; MarkInitialized must be called once the caller has finished
// constructing the body's contents.
func CreateMmap(name string, size int, magic uint64) (Segment, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("shm: segment size %d smaller than header", size)
	}
	path := filepath.Join(DefaultDir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	s := &mmapSegment{name: name, file: f, data: data}
	headerUint64At(s.data, 0).Store(magic)
	headerUint32At(s.data, 8).Store(constants.SegmentVersion)
	headerUint32At(s.data, 12).Store(0)
	return s, nil
}

// OpenMmap opens an existing segment created by CreateMmap and waits for
// its initialized flag, matching the bootstrap handshake of §3's
// "Lifecycle summary" and §4.4's "peers wait-and-verify before using the
// segment".
func OpenMmap(name string, expectMagic uint64, timeout time.Duration) (Segment, error) {
	path := filepath.Join(DefaultDir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	size := int(fi.Size())
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	s := &mmapSegment{name: name, file: f, data: data}
	if got := s.Magic(); got != expectMagic {
		s.Close()
		return nil, fmt.Errorf("shm: %s: magic mismatch: got %#x want %#x", name, got, expectMagic)
	}
	if err := s.WaitInitialized(timeout); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *mmapSegment) Name() string  { return s.name }
func (s *mmapSegment) Data() []byte  { return s.data }
func (s *mmapSegment) Body() []byte  { return s.data[HeaderSize:] }
func (s *mmapSegment) Magic() uint64 { return headerUint64At(s.data, 0).Load() }
func (s *mmapSegment) Version() uint32 {
	return headerUint32At(s.data, 8).Load()
}

func (s *mmapSegment) MarkInitialized() {
	headerUint32At(s.data, 12).Store(1)
}

func (s *mmapSegment) WaitInitialized(timeout time.Duration) error {
	return pollInitialized(func() bool { return headerUint32At(s.data, 12).Load() == 1 }, timeout)
}

func (s *mmapSegment) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return s.file.Close()
}

// RemoveNamed deletes a named segment file under DefaultDir, answering
// §6's "an operator utility removes them by name".
func RemoveNamed(name string) error {
	err := os.Remove(filepath.Join(DefaultDir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func pollInitialized(check func() bool, timeout time.Duration) error {
	if check() {
		return nil
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(constants.RegistryBootstrapPollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		<-ticker.C
		if check() {
			return nil
		}
	}
	return fmt.Errorf("shm: timed out waiting for segment to be initialized")
}

// headerUint64At/headerUint32At reinterpret a slice offset as an atomic
// counter, the same pointerFromMmap trick go-ublk's runner.go uses to
// satisfy go vet when treating mmap'd bytes as typed memory.
func headerUint64At(b []byte, offset int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&b[offset]))
}

func headerUint32At(b []byte, offset int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&b[offset]))
}
