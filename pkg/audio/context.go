package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSampleRate   = 44100
	defaultChannelCount = 2
	defaultBufferLen    = 50 * time.Millisecond
)

// Option is a functional option for configuring a [Context].
type Option func(*Context)

// WithSampleRate sets the output sample rate in Hz. Default: 44100.
func WithSampleRate(hz int) Option {
	return func(c *Context) {
		c.opts.SampleRate = hz
	}
}

// WithChannelCount sets the number of output channels. Default: 2.
func WithChannelCount(n int) Option {
	return func(c *Context) {
		c.opts.ChannelCount = n
	}
}

// WithBufferLen sets the requested device buffer length. Default: 50ms.
func WithBufferLen(d time.Duration) Option {
	return func(c *Context) {
		c.opts.BufferLen = d
	}
}

// WithLogger sets the logger used for lifecycle events. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Context) {
		c.log = log
	}
}

// Context owns the process's one shared audio output. Engines must not open
// devices themselves; they attach to the Context they are handed during
// initialisation so that every instrument in the session plays through the
// same output with the same clock.
//
// The device is opened lazily by the first [Context.Ensure] call and the
// Context then moves through running ⇄ suspended until [Context.Close].
// A Context cannot be reopened after Close; construct a new one.
//
// All methods are safe for concurrent use.
type Context struct {
	mu     sync.Mutex
	driver Driver
	opts   DeviceOptions
	log    *slog.Logger

	out     Output
	state   State
	openErr error // sticky driver failure; reported until Close
	lines   map[*contextLine]struct{}
}

// NewContext returns a Context in the created state. The device is not
// touched until [Context.Ensure] runs.
func NewContext(driver Driver, opts ...Option) *Context {
	c := &Context{
		driver: driver,
		opts: DeviceOptions{
			SampleRate:   defaultSampleRate,
			ChannelCount: defaultChannelCount,
			BufferLen:    defaultBufferLen,
		},
		log:   slog.Default(),
		state: StateCreated,
		lines: make(map[*contextLine]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ensure opens the device if it is not open yet and reports whether the
// shared context is usable. All engine constructions call Ensure before
// attaching, so the first instrument anyone plays is what powers on audio.
//
// Returns [ErrClosed] after Close, and an error wrapping [ErrUnavailable]
// when the driver cannot open the device. A driver failure is sticky: every
// subsequent Ensure reports it without retrying the device.
func (c *Context) Ensure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked()
}

func (c *Context) ensureLocked() error {
	switch {
	case c.state == StateClosed:
		return ErrClosed
	case c.openErr != nil:
		return c.openErr
	case c.out != nil:
		return nil
	}

	out, err := c.driver.Open(c.opts)
	if err != nil {
		c.openErr = fmt.Errorf("%w: open device: %w", ErrUnavailable, err)
		c.log.Error("audio device unavailable", "err", err)
		return c.openErr
	}
	c.out = out
	c.state = StateRunning
	c.log.Info("audio context running",
		"sample_rate", c.opts.SampleRate,
		"channels", c.opts.ChannelCount,
		"buffer", c.opts.BufferLen,
	)
	return nil
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SampleRate returns the configured output sample rate in Hz.
func (c *Context) SampleRate() int { return c.opts.SampleRate }

// ChannelCount returns the configured number of output channels.
func (c *Context) ChannelCount() int { return c.opts.ChannelCount }

// Attach opens the device if needed and attaches src as a new output line.
// The returned [Line] must be closed when the source is disposed.
func (c *Context) Attach(src io.Reader) (Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLocked(); err != nil {
		return nil, err
	}
	ln := &contextLine{owner: c, inner: c.out.NewLine(src)}
	c.lines[ln] = struct{}{}
	return ln, nil
}

// Suspend pauses the shared output. Attached lines survive a suspend.
// Suspending a context that is not running is a no-op.
func (c *Context) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return nil
	}
	if err := c.out.Suspend(); err != nil {
		return fmt.Errorf("audio: suspend: %w", err)
	}
	c.state = StateSuspended
	c.log.Debug("audio context suspended")
	return nil
}

// Resume restarts a suspended context.
func (c *Context) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateSuspended:
	default:
		return nil
	}
	if err := c.out.Resume(); err != nil {
		return fmt.Errorf("audio: resume: %w", err)
	}
	c.state = StateRunning
	c.log.Debug("audio context resumed")
	return nil
}

// Close detaches every line and suspends the device, then marks the context
// closed. Platform backends without a device-close operation keep the device
// handle until process exit; closed means no line can attach again.
//
// Close is idempotent: the second and later calls return nil.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	lines := make([]*contextLine, 0, len(c.lines))
	for ln := range c.lines {
		lines = append(lines, ln)
	}
	c.lines = make(map[*contextLine]struct{})
	out := c.out
	c.out = nil
	c.mu.Unlock()

	var errs []error
	for _, ln := range lines {
		if err := ln.closeInner(); err != nil {
			errs = append(errs, err)
		}
	}
	if out != nil {
		if err := out.Suspend(); err != nil {
			errs = append(errs, fmt.Errorf("audio: suspend on close: %w", err))
		}
	}
	c.log.Info("audio context closed", "detached_lines", len(lines))
	if len(errs) > 0 {
		return fmt.Errorf("audio: close: %w", errors.Join(errs...))
	}
	return nil
}

// contextLine wraps a driver line so the Context can track attachment and
// guarantee close-once semantics even when both an engine dispose and a
// context Close race to close it.
type contextLine struct {
	owner *Context

	mu     sync.Mutex
	inner  Line
	closed bool
}

// Close implements [Line]. It detaches the line from its Context.
func (l *contextLine) Close() error {
	l.owner.mu.Lock()
	delete(l.owner.lines, l)
	l.owner.mu.Unlock()
	return l.closeInner()
}

func (l *contextLine) closeInner() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.inner.Close()
}
