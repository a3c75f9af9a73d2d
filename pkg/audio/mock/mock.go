// Package mock provides in-memory mock implementations of the [audio.Driver],
// [audio.Output], and [audio.Line] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	drv := &mock.Driver{}
//	ctx := audio.NewContext(drv)
//	if err := ctx.Ensure(); err != nil { ... }
//	if got := drv.Output.CallCountNewLine; got != 1 { ... }
package mock

import (
	"io"
	"sync"

	"github.com/tonefield/jamroom/pkg/audio"
)

// ─── Driver ───────────────────────────────────────────────────────────────────

// Driver is a mock implementation of [audio.Driver].
// Set the exported fields before use; inspect the Call* fields after.
type Driver struct {
	mu sync.Mutex

	// OpenError is returned by [Driver.Open]. When non-nil, no Output is created.
	OpenError error

	// Output is returned by [Driver.Open]. Defaults to a fresh [Output]
	// allocated on first Open if left nil.
	Output *Output

	// OpenCalls records the options of every Open invocation.
	OpenCalls []audio.DeviceOptions
}

// Open implements [audio.Driver].
func (d *Driver) Open(opts audio.DeviceOptions) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, opts)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.Output == nil {
		d.Output = &Output{}
	}
	return d.Output, nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output].
type Output struct {
	mu sync.Mutex

	// SuspendError is returned by [Output.Suspend].
	SuspendError error

	// ResumeError is returned by [Output.Resume].
	ResumeError error

	// CallCountNewLine records how many times NewLine was called.
	CallCountNewLine int

	// CallCountSuspend records how many times Suspend was called.
	CallCountSuspend int

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// Lines holds every line created via NewLine, in creation order.
	Lines []*Line
}

// NewLine implements [audio.Output]. The source is retained on the returned
// [Line] so tests can drive reads manually via [Line.ReadFrames].
func (o *Output) NewLine(src io.Reader) audio.Line {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountNewLine++
	ln := &Line{Source: src}
	o.Lines = append(o.Lines, ln)
	return ln
}

// Suspend implements [audio.Output]. Returns SuspendError.
func (o *Output) Suspend() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountSuspend++
	return o.SuspendError
}

// Resume implements [audio.Output]. Returns ResumeError.
func (o *Output) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	return o.ResumeError
}

// OpenLineCount returns how many created lines have not been closed yet.
func (o *Output) OpenLineCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, ln := range o.Lines {
		if !ln.Closed() {
			n++
		}
	}
	return n
}

// ─── Line ─────────────────────────────────────────────────────────────────────

// Line is a mock implementation of [audio.Line].
type Line struct {
	mu sync.Mutex

	// Source is the sample source the line was created with.
	Source io.Reader

	// CloseError is returned by the first [Line.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// Close implements [audio.Line]. The first call returns CloseError;
// subsequent calls return nil.
func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CallCountClose++
	if l.closed {
		return nil
	}
	l.closed = true
	return l.CloseError
}

// Closed reports whether Close has been called at least once.
func (l *Line) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// ReadFrames pulls n bytes from the line's source, simulating the device
// render goroutine. Returns whatever the source produced.
func (l *Line) ReadFrames(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := l.Source.Read(buf)
	return buf[:read], err
}
