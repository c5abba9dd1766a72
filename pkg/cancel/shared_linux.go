//go:build linux

package cancel

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared is a token backed by an anonymous shared memory page (memfd).
//
// The page survives fork/exec when its file is passed through exec.Cmd.ExtraFiles,
// so a worker process maps the same word with OpenShared and observes Set without
// any further communication. The flag is a 32-bit word at offset 0 accessed only
// through sync/atomic.
type Shared struct {
	file *os.File
	mem  []byte
	word *atomic.Uint32

	closeOnce sync.Once
	closeErr  error
}

// NewShared creates an unset shared token.
func NewShared() (*Shared, error) {
	fd, err := unix.MemfdCreate("expbench-cancel", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(unix.Getpagesize())); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sizing shared token: %w", err)
	}
	return mapShared(os.NewFile(uintptr(fd), "expbench-cancel"))
}

// OpenShared maps a token created by NewShared in another process.
// The Shared takes ownership of f.
func OpenShared(f *os.File) (*Shared, error) {
	if f == nil {
		return nil, fmt.Errorf("open shared token: nil file")
	}
	return mapShared(f)
}

func mapShared(f *os.File) (*Shared, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shared token: %w", err)
	}
	return &Shared{
		file: f,
		mem:  mem,
		word: (*atomic.Uint32)(unsafe.Pointer(&mem[0])),
	}, nil
}

func (s *Shared) Set() {
	s.word.Store(1)
}

func (s *Shared) IsSet() bool {
	return s.word.Load() != 0
}

// File returns the descriptor to hand to a child process.
func (s *Shared) File() *os.File {
	return s.file
}

// Close unmaps the page and closes the descriptor. The token must not be used afterwards.
func (s *Shared) Close() error {
	s.closeOnce.Do(func() {
		if err := unix.Munmap(s.mem); err != nil {
			s.closeErr = fmt.Errorf("munmap shared token: %w", err)
		}
		if err := s.file.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
