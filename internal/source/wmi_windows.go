//go:build windows

package source

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// wbemErrTimedOut is returned by SWbemEventSource.NextEvent when no event
// arrived within the timeout.
const wbemErrTimedOut = 0x80043001

// WMI subscribes to WMI extrinsic events through the scripting API.
type WMI struct {
	// PollTimeoutMs bounds each NextEvent call so cancellation is observed.
	PollTimeoutMs int
}

// NewWMI returns a WMI source.
func NewWMI() *WMI {
	return &WMI{PollTimeoutMs: defaultPollTimeoutMs}
}

// Subscribe connects to q.Namespace and runs q.WQL as a notification query.
// Setup happens on the delivery goroutine because COM apartments are bound
// to OS threads; Subscribe waits for setup to finish before returning.
func (w *WMI) Subscribe(ctx context.Context, q Query, h Handler) (Subscription, error) {
	sub := &wmiSub{
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		failed:  make(chan error, 1),
	}
	ready := make(chan error, 1)
	go sub.run(q, h, w.PollTimeoutMs, ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		_ = sub.Cancel()
		return nil, ctx.Err()
	}
}

type wmiSub struct {
	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
	failed  chan error
	err     error
}

func (s *wmiSub) Failed() <-chan error {
	return s.failed
}

func (s *wmiSub) Cancel() error {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
	return s.err
}

func (s *wmiSub) run(q Query, h Handler, timeoutMs int, ready chan<- error) {
	defer close(s.stopped)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		// S_FALSE: already initialized on this thread.
		if !errors.As(err, &oleErr) || oleErr.Code() != 0x00000001 {
			ready <- fmt.Errorf("wmi: CoInitializeEx: %w", err)
			return
		}
	}
	defer ole.CoUninitialize()

	events, release, err := openEventSource(q)
	if err != nil {
		ready <- err
		return
	}
	defer release()
	ready <- nil

	for {
		select {
		case <-s.done:
			return
		default:
		}

		raw, err := oleutil.CallMethod(events, "NextEvent", timeoutMs)
		if err != nil {
			var oleErr *ole.OleError
			if errors.As(err, &oleErr) && isTimeout(oleErr) {
				continue
			}
			s.err = fmt.Errorf("wmi: NextEvent: %w", err)
			s.failed <- s.err
			return
		}
		ev := readEvent(raw.ToIDispatch(), q.Properties)
		_ = raw.Clear()

		select {
		case <-s.done:
			return
		default:
			h(ev)
		}
	}
}

func isTimeout(err *ole.OleError) bool {
	if err.Code() == wbemErrTimedOut {
		return true
	}
	if exc, ok := err.SubError().(ole.EXCEPINFO); ok {
		return uint32(exc.SCODE()) == wbemErrTimedOut
	}
	return false
}

func openEventSource(q Query) (*ole.IDispatch, func(), error) {
	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return nil, nil, fmt.Errorf("wmi: create locator: %w", err)
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, nil, fmt.Errorf("wmi: locator dispatch: %w", err)
	}
	defer locator.Release()

	serviceRaw, err := oleutil.CallMethod(locator, "ConnectServer", ".", q.Namespace)
	if err != nil {
		return nil, nil, fmt.Errorf("wmi: connect %s: %w", q.Namespace, err)
	}
	service := serviceRaw.ToIDispatch()
	defer serviceRaw.Clear()

	sourceRaw, err := oleutil.CallMethod(service, "ExecNotificationQuery", q.WQL)
	if err != nil {
		return nil, nil, fmt.Errorf("wmi: query %q: %w", q.WQL, err)
	}
	return sourceRaw.ToIDispatch(), func() { _ = sourceRaw.Clear() }, nil
}

// readEvent copies the requested properties out of a SWbemObject. A
// property that cannot be read is left absent and reported by the decoder.
func readEvent(obj *ole.IDispatch, props []string) Event {
	ev := make(Event, len(props))
	for _, name := range props {
		v, err := oleutil.GetProperty(obj, name)
		if err != nil {
			continue
		}
		ev[name] = variantValue(v)
		_ = v.Clear()
	}
	return ev
}

func variantValue(v *ole.VARIANT) any {
	if v.VT&ole.VT_ARRAY != 0 {
		arr := v.ToArray()
		if arr == nil {
			return nil
		}
		if v.VT&ole.VT_TYPEMASK == ole.VT_UI1 {
			return arr.ToByteArray()
		}
		return arr.ToValueArray()
	}
	return v.Value()
}
