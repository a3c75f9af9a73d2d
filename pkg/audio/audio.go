// Package audio owns the single shared audio output context for a jamroom
// process and defines the device abstractions it is built on.
//
// The two primary abstractions are:
//
//   - [Driver] — opens the platform audio device and returns an [Output].
//   - [Output] — the live device, to which sample sources attach as [Line]s.
//
// A [Context] wraps exactly one Output and hands every instrument engine in
// the process the same device. Engines attach their render loop (an
// [io.Reader] producing 16-bit little-endian PCM) and receive a [Line] they
// close on disposal. The device implementation mixes all open lines.
//
// This package lives under pkg/ because engine backends outside internal/
// are expected to consume [Context] and implement sample sources against it.
package audio

import (
	"errors"
	"io"
	"time"
)

// Sentinel errors reported by [Context].
var (
	// ErrUnavailable is returned when the shared context cannot be opened,
	// typically because no audio device exists or the driver failed.
	ErrUnavailable = errors.New("audio: context unavailable")

	// ErrClosed is returned by operations on a context after [Context.Close].
	ErrClosed = errors.New("audio: context closed")
)

// State describes the lifecycle position of the shared [Context].
type State int

const (
	// StateCreated means the context exists but the device is not open yet.
	// The first [Context.Ensure] call opens it.
	StateCreated State = iota

	// StateRunning means the device is open and producing sound.
	StateRunning

	// StateSuspended means the device is open but output is paused.
	StateSuspended

	// StateClosed means the context was shut down and cannot be reused.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DeviceOptions selects the output format requested from the [Driver].
type DeviceOptions struct {
	// SampleRate is the output sample rate in Hz.
	SampleRate int

	// ChannelCount is the number of interleaved output channels (1 or 2).
	ChannelCount int

	// BufferLen is the requested device buffer length. Smaller buffers lower
	// latency at the cost of underrun risk. Zero lets the driver choose.
	BufferLen time.Duration
}

// Line is one attached sample source on the output device. Closing a line
// detaches the source; the device stops reading from it.
type Line interface {
	// Close detaches the line from the device. Safe to call more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// Output is an open audio device.
//
// Implementations must be safe for concurrent use: engines attach and detach
// lines while the device render thread is reading.
type Output interface {
	// NewLine attaches src as a sample source and starts reading from it.
	// src must produce 16-bit little-endian PCM at the device's sample rate
	// and channel count, and must be safe to call from the device's render
	// goroutine. A src that returns (0, nil) produces silence without
	// detaching.
	NewLine(src io.Reader) Line

	// Suspend pauses output. Attached lines stay attached; their readers are
	// simply not consumed while suspended.
	Suspend() error

	// Resume restarts output after a [Output.Suspend].
	Resume() error
}

// Driver opens the platform audio device.
//
// Implementations wrap a concrete audio backend. Opening may block while the
// device becomes ready; implementations should honour a process-wide single
// device where the backend requires one.
type Driver interface {
	// Open opens the device with the requested options. The returned Output
	// remains valid for the life of the process; drivers for backends without
	// a device-close operation keep it open until exit.
	Open(opts DeviceOptions) (Output, error)
}
