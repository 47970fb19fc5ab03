//go:build !windows

package source

import (
	"context"
	"fmt"
)

// WMI is unavailable off Windows; every Subscribe fails with ErrUnsupported.
type WMI struct {
	PollTimeoutMs int
}

// NewWMI returns a WMI source.
func NewWMI() *WMI {
	return &WMI{PollTimeoutMs: defaultPollTimeoutMs}
}

// Subscribe always fails.
func (w *WMI) Subscribe(_ context.Context, q Query, _ Handler) (Subscription, error) {
	return nil, fmt.Errorf("wmi %s: %w", q, ErrUnsupported)
}
