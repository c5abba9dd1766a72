//go:build !linux

package engine

import (
	"errors"
	"runtime"
)

func Parallelism() int {
	return runtime.NumCPU()
}

func pinThread(idx int) error {
	return errors.ErrUnsupported
}
