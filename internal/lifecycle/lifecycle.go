// Package lifecycle drives the service from start to shutdown.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyRun is returned when Run is called a second time.
var ErrAlreadyRun = errors.New("lifecycle: controller already ran")

// State is the controller's position in RUNNING → STOPPING → TERMINATED.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Service is what the controller starts and stops.
type Service interface {
	Start(ctx context.Context)
	Stop()
}

// StopRequester reports an external request to stop.
type StopRequester interface {
	// Arm prepares detection. A request made after Arm returns is observed.
	Arm() error
	// Wait blocks until a stop is requested or ctx ends.
	Wait(ctx context.Context) error
	// Cleanup releases resources and removes the request marker, best effort.
	Cleanup()
}

// Controller owns the run/stop state of the process.
type Controller struct {
	svc  Service
	stop StopRequester
	log  *slog.Logger

	mu     sync.Mutex
	state  State
	ran    bool
	notify []func(State)
}

// New creates a controller for svc, stopped by stop.
func New(svc Service, stop StopRequester, log *slog.Logger) *Controller {
	return &Controller{svc: svc, stop: stop, log: log}
}

// OnTransition registers fn to be called after every state change.
func (c *Controller) OnTransition(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, fn)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(s State) {
	c.mu.Lock()
	c.state = s
	fns := append([]func(State){}, c.notify...)
	c.mu.Unlock()

	c.log.Debug("Lifecycle transition", "state", s.String())
	for _, fn := range fns {
		fn(s)
	}
}

// Run starts the service and blocks until a stop request arrives or ctx is
// cancelled, then stops the service and cleans up the request marker.
// Shutdown has no timeout: Run returns only after Service.Stop returns.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return ErrAlreadyRun
	}
	c.ran = true
	c.mu.Unlock()

	armed := true
	if err := c.stop.Arm(); err != nil {
		// Still stoppable through ctx (OS signals).
		armed = false
		c.log.Error("Failed to watch for stop file", "err", err)
	}

	c.svc.Start(ctx)
	c.transition(StateRunning)

	if armed {
		if err := c.stop.Wait(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("Stop file watch failed; waiting for interrupt", "err", err)
			<-ctx.Done()
		}
	} else {
		<-ctx.Done()
	}
	if ctx.Err() != nil {
		c.log.Info("Interrupt received")
	} else {
		c.log.Info("Stop file detected")
	}

	c.transition(StateStopping)
	c.svc.Stop()
	c.stop.Cleanup()
	c.transition(StateTerminated)
	return nil
}
