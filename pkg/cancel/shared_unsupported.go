//go:build !linux

package cancel

import "os"

type Shared struct{}

func NewShared() (*Shared, error) {
	return nil, ErrUnsupported
}

func OpenShared(f *os.File) (*Shared, error) {
	return nil, ErrUnsupported
}

func (s *Shared) Set()           {}
func (s *Shared) IsSet() bool    { return false }
func (s *Shared) File() *os.File { return nil }
func (s *Shared) Close() error   { return nil }
