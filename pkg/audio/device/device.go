// Package device implements [audio.Driver] on top of the oto library,
// which drives the platform audio device (ALSA, CoreAudio, WASAPI).
//
// oto permits only one device context per process and offers no way to close
// it, so Open funnels every caller through a process-wide [sync.Once]: the
// first Open decides the device format and later Opens receive the same
// device regardless of their options.
package device

import (
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/tonefield/jamroom/pkg/audio"
)

var (
	otoCtx     *oto.Context
	otoOnce    sync.Once
	otoInitErr error
)

// Driver opens the platform audio device. The zero value is ready to use.
type Driver struct{}

var _ audio.Driver = Driver{}

// Open implements [audio.Driver]. It opens the oto context on first call,
// blocking until the device signals readiness.
func (Driver) Open(opts audio.DeviceOptions) (audio.Output, error) {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   opts.SampleRate,
			ChannelCount: opts.ChannelCount,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   opts.BufferLen,
		}
		var readyChan chan struct{}
		otoCtx, readyChan, otoInitErr = oto.NewContext(op)
		if otoInitErr == nil {
			<-readyChan
		}
	})
	if otoInitErr != nil {
		return nil, fmt.Errorf("device: open oto context: %w", otoInitErr)
	}
	return &output{ctx: otoCtx}, nil
}

// output adapts an oto context to [audio.Output]. oto mixes all players
// attached to one context internally, so a line maps 1:1 onto an oto player.
type output struct {
	ctx *oto.Context
}

func (o *output) NewLine(src io.Reader) audio.Line {
	p := o.ctx.NewPlayer(src)
	p.Play()
	return &line{player: p}
}

func (o *output) Suspend() error { return o.ctx.Suspend() }
func (o *output) Resume() error  { return o.ctx.Resume() }

type line struct {
	mu     sync.Mutex
	player *oto.Player
	closed bool
}

func (l *line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.player.Close()
}
