package cancel

import "sync/atomic"

// Flag is the in-memory token used when all workers are goroutines.
// A single atomic load per check keeps it cheap enough for hot loops.
type Flag struct {
	set atomic.Bool
}

// NewFlag returns an unset Flag.
func NewFlag() *Flag {
	return &Flag{}
}

// Set triggers the flag.
func (f *Flag) Set() {
	f.set.Store(true)
}

// IsSet performs a single atomic load.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}
