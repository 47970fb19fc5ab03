// Package source abstracts the host event bus the bridge subscribes to.
package source

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnsupported is returned by sources that cannot run on this platform.
	ErrUnsupported = errors.New("event source not supported on this platform")
	// ErrMissingProperty is returned when an event lacks the requested property.
	ErrMissingProperty = errors.New("event property missing")
	// ErrNotBytes is returned when a property does not hold a byte sequence.
	ErrNotBytes = errors.New("event property is not a byte sequence")
)

// Query selects the event class to subscribe to.
type Query struct {
	Namespace  string   // e.g. root\WMI
	WQL        string   // e.g. SELECT * FROM IP3_WMIEvent
	Properties []string // properties copied into each Event
}

func (q Query) String() string {
	return q.Namespace + ": " + q.WQL
}

// Event is the opaque payload of one received event, keyed by property name.
type Event map[string]any

// Handler is invoked once per matching event on a goroutine owned by the
// source.
type Handler func(Event)

// Subscription is a live subscription handle.
type Subscription interface {
	// Cancel stops delivery. A handler call already in flight may still
	// complete after Cancel returns.
	Cancel() error
}

// Failer is implemented by subscriptions that can end on their own. The
// channel yields the error that stopped delivery, at most once.
type Failer interface {
	Failed() <-chan error
}

// Source opens subscriptions on an event bus.
type Source interface {
	Subscribe(ctx context.Context, q Query, h Handler) (Subscription, error)
}

// Bytes extracts the byte sequence held by property name. It accepts
// []byte and []any of integer values in 0..255, preserving order.
func Bytes(ev Event, name string) ([]byte, error) {
	v, ok := ev[name]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingProperty, name)
	}

	switch val := v.(type) {
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out, nil
	case []any:
		out := make([]byte, len(val))
		for i, elem := range val {
			b, err := toByte(elem)
			if err != nil {
				return nil, fmt.Errorf("%w: %s[%d]: %v", ErrNotBytes, name, i, err)
			}
			out[i] = b
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s has type %T", ErrNotBytes, name, v)
	}
}

func toByte(v any) (byte, error) {
	var n int64
	switch x := v.(type) {
	case uint8:
		return x, nil
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case uint16:
		n = int64(x)
	case int32:
		n = int64(x)
	case uint32:
		n = int64(x)
	case int:
		n = int64(x)
	case int64:
		n = x
	case uint64:
		if x > math.MaxUint8 {
			return 0, fmt.Errorf("value %d out of range", x)
		}
		n = int64(x)
	default:
		return 0, fmt.Errorf("unexpected element type %T", v)
	}
	if n < 0 || n > math.MaxUint8 {
		return 0, fmt.Errorf("value %d out of range", n)
	}
	return byte(n), nil
}

// defaultPollTimeoutMs bounds how long a blocking receive waits before
// re-checking for cancellation.
const defaultPollTimeoutMs = 500
