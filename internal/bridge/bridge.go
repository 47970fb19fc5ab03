// Package bridge owns the subscription to the host event source and turns
// every received event into a record handed to the sink.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/wmihelper/internal/record"
	"github.com/ppiankov/wmihelper/internal/sink"
	"github.com/ppiankov/wmihelper/internal/source"
)

// defaultQueueSize bounds events accepted from the source but not yet
// written. A full queue blocks the source's notification goroutine.
const defaultQueueSize = 256

// Config controls subscription and queueing.
type Config struct {
	Query         source.Query
	Property      string        // event property holding the payload bytes
	QueueSize     int           // zero means defaultQueueSize
	RetryAttempts int           // extra subscribe attempts after a failure
	RetryDelay    time.Duration // pause between subscribe attempts
	Now           func() time.Time
}

// Stats counts events seen by the bridge.
type Stats struct {
	Received int64 // accepted from the source
	Written  int64 // appended as WMI_EVENT
	Failed   int64 // dropped by decode or sink failure
	Dropped  int64 // delivered after Stop closed the intake
}

// delivery is an event stamped with the time the source handed it over.
type delivery struct {
	ev source.Event
	at time.Time
}

// Bridge is started once and stopped once per process.
type Bridge struct {
	cfg  Config
	src  source.Source
	sink *sink.Sink
	log  *slog.Logger

	mu      sync.Mutex
	started bool
	sub     source.Subscription
	closing chan struct{}
	drain   chan struct{}
	done    chan struct{}

	// intake is held shared by every handler call between its closing check
	// and its enqueue; Stop takes it exclusively to close the intake.
	intake sync.RWMutex
	lost   atomic.Bool

	received atomic.Int64
	written  atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// New creates a bridge. Nothing happens until Start.
func New(cfg Config, src source.Source, out *sink.Sink, log *slog.Logger) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bridge{cfg: cfg, src: src, sink: out, log: log}
}

// Start truncates the output file, subscribes, and emits the WMI_TEST
// record. Failures leave the bridge without a subscription; they are logged
// and never returned, so the caller stays alive and stoppable.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		b.log.Warn("WMI event watcher already started; restart the process to resubscribe")
		return
	}
	b.started = true

	if err := b.sink.Truncate(); err != nil {
		b.log.Error("Failed to start WMI event watcher", "err", err)
		return
	}

	closing := make(chan struct{})
	queue := make(chan delivery, b.cfg.QueueSize)
	handler := func(ev source.Event) {
		b.intake.RLock()
		defer b.intake.RUnlock()
		select {
		case <-closing:
			b.dropped.Add(1)
			b.log.Warn("Event delivered after stop; dropped")
			return
		default:
		}
		// The consumer keeps running until Stop holds intake, so this
		// send cannot outlive the drain.
		queue <- delivery{ev: ev, at: b.cfg.Now()}
		b.received.Add(1)
	}

	sub, err := b.subscribe(ctx, handler)
	if err != nil {
		b.log.Error("Failed to start WMI event watcher", "query", b.cfg.Query.String(), "err", err)
		return
	}

	b.sub = sub
	b.closing = closing
	b.drain = make(chan struct{})
	b.done = make(chan struct{})
	b.log.Info("WMI event watcher started successfully", "query", b.cfg.Query.String())

	// WMI_TEST goes out before the consumer runs so it is always the first line.
	b.sink.Write(record.Test())
	go b.consume(queue, b.drain, b.done)
	if f, ok := sub.(source.Failer); ok {
		go b.watchFailure(f, closing)
	}
}

// watchFailure reports a subscription that ended without Stop. The handle
// is kept so Stop still cancels it and emits WMI_CLOSE.
func (b *Bridge) watchFailure(f source.Failer, closing <-chan struct{}) {
	select {
	case err := <-f.Failed():
		b.lost.Store(true)
		b.log.Error("WMI event watcher failed; no further events will be received", "err", err)
	case <-closing:
	}
}

func (b *Bridge) subscribe(ctx context.Context, h source.Handler) (source.Subscription, error) {
	var lastErr error
	for attempt := 0; attempt <= b.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			b.log.Warn("Retrying WMI subscription", "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("subscribe: %w", ctx.Err())
			case <-time.After(b.cfg.RetryDelay):
			}
		}
		sub, err := b.src.Subscribe(ctx, b.cfg.Query, h)
		if err == nil {
			return sub, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Stop cancels the subscription, writes every event already accepted, and
// emits WMI_CLOSE. Without a live subscription it does nothing. Teardown
// errors are logged only.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub == nil {
		return
	}
	sub := b.sub
	b.sub = nil

	b.intake.Lock()
	close(b.closing)
	b.intake.Unlock()

	if err := sub.Cancel(); err != nil {
		b.log.Error("Failed to stop WMI event watcher", "err", err)
	}
	close(b.drain)
	<-b.done

	st := b.Stats()
	b.log.Info("WMI event watcher stopped successfully",
		"received", st.Received, "written", st.Written, "failed", st.Failed, "dropped", st.Dropped)
	b.sink.Write(record.Close())
}

// Subscribed reports whether a live subscription exists. A subscription
// the source ended on its own no longer counts.
func (b *Bridge) Subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil && !b.lost.Load()
}

// Stats returns a snapshot of the event counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Received: b.received.Load(),
		Written:  b.written.Load(),
		Failed:   b.failed.Load(),
		Dropped:  b.dropped.Load(),
	}
}

// consume is the single writer for WMI_EVENT records; it preserves the
// source's delivery order.
func (b *Bridge) consume(queue <-chan delivery, drain <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case d := <-queue:
			b.handle(d)
		case <-drain:
			for {
				select {
				case d := <-queue:
					b.handle(d)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) handle(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.log.Error("Error processing event", "err", fmt.Sprint(r))
		}
	}()

	payload, err := source.Bytes(d.ev, b.cfg.Property)
	if err != nil {
		b.failed.Add(1)
		b.log.Error("Error processing event", "err", err)
		return
	}
	if !b.sink.Write(record.Event(payload, d.at)) {
		b.failed.Add(1)
		return
	}
	b.written.Add(1)
	b.log.Info(fmt.Sprintf("Event received and logged: %d bytes", len(payload)))
}
