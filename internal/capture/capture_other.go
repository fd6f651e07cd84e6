//go:build !windows

package capture

import (
	"context"
	"time"
)

// nonWindowsSource fails closed: the supervisor only constructs a Source on
// a platform with a Graphics Capture style API (SPEC_FULL.md C9: the macOS
// path never goes through this package at all, it drives the encoder
// directly against an avfoundation input descriptor instead).
type nonWindowsSource struct{}

// NewSource always fails on this platform; present so callers can compile
// against the same Source/NewSource surface regardless of GOOS.
func NewSource(req Request) Source {
	return nonWindowsSource{}
}

func (nonWindowsSource) Setup(ctx context.Context) SetupResult {
	return SetupResult{Err: ErrUnsupportedPlatform}
}

func (nonWindowsSource) WaitFrame(timeout time.Duration) {}

func (nonWindowsSource) DrainLatest() bool { return false }

func (nonWindowsSource) Ready() bool { return false }

func (nonWindowsSource) MapOldest() ([]byte, int, int, int, error) {
	return nil, 0, 0, 0, ErrUnsupportedPlatform
}

func (nonWindowsSource) UnmapOldest() {}

func (nonWindowsSource) Close() error { return nil }
