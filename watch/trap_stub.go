//go:build !linux

package watch

import "github.com/memtrap/memtrap/internal/ring"

// stubTrap satisfies trapController so registry construction never needs a
// platform build tag of its own; every method fails since newTrap already
// refused to start.
type stubTrap struct{}

func (stubTrap) Arm(_, _ uintptr) error   { return ErrUnsupportedPlatform }
func (stubTrap) Disarm(_, _ uintptr) error { return ErrUnsupportedPlatform }
func (stubTrap) Rearm(_, _ uintptr) error  { return ErrUnsupportedPlatform }
func (stubTrap) Close() error              { return nil }

// newTrap on non-Linux platforms always fails: userfaultfd is Linux-only
// and there is no portable equivalent for synchronous write interception.
func newTrap(_ *ring.Ring, _ func(uintptr) (*pageRecord, bool)) (trapController, error) {
	return nil, ErrUnsupportedPlatform
}
