// Package midiin feeds a hardware MIDI keyboard into the local play path.
//
// A watcher goroutine rescans the driver's ports, connects to the configured
// (or only) real input, and survives unplug/replug cycles: on disconnect
// every key still down is stopped so nothing rings while the cable is out.
// Parsed events reach the engine router in arrival order.
package midiin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/tonefield/jamroom/internal/enginepool"
	"github.com/tonefield/jamroom/pkg/instrument"
)

const (
	defaultRescanInterval = time.Second

	// sustainPedalCC is the hold pedal controller number.
	sustainPedalCC = 64

	// eventBuffer decouples the driver's callback goroutine from note
	// delivery, which may wait on engine construction.
	eventBuffer = 128
)

// Ports matching these patterns are virtual loopbacks, never auto-connected.
var excludedPortPatterns = []string{"Midi Through", "Through Port", "Dummy"}

// Config carries the dependencies for [Open].
type Config struct {
	// Router receives the keyboard's events on its local path. Required.
	Router *enginepool.Router

	// Port is a case-insensitive substring of the input port to connect.
	// Empty connects the only available port and stays disconnected while
	// several are present.
	Port string

	// RescanInterval is how often the watcher re-enumerates ports. Zero
	// means one second.
	RescanInterval time.Duration

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Input is one hardware MIDI input bound to the local participant.
type Input struct {
	router *enginepool.Router
	port   string
	rescan time.Duration
	log    *slog.Logger

	drv *rtmididrv.Driver

	ctx    context.Context
	cancel context.CancelFunc
	events chan midi.Message
	wg     sync.WaitGroup

	mu     sync.Mutex
	in     drivers.In
	stop   func()
	device string
	down   map[uint8]struct{}
	closed bool
}

// Open initialises the MIDI driver and starts watching for a keyboard. It
// succeeds with no port connected; the watcher attaches one when it appears.
func Open(cfg Config) (*Input, error) {
	if cfg.Router == nil {
		return nil, errors.New("midiin: config missing router")
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = defaultRescanInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("midiin: driver init: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Input{
		router: cfg.Router,
		port:   cfg.Port,
		rescan: cfg.RescanInterval,
		log:    cfg.Logger,
		drv:    drv,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan midi.Message, eventBuffer),
		down:   make(map[uint8]struct{}),
	}

	i.wg.Add(2)
	go func() {
		defer i.wg.Done()
		i.forward()
	}()
	go func() {
		defer i.wg.Done()
		i.watch()
	}()
	return i, nil
}

// Close stops the watcher, the listener and the driver.
func (i *Input) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	device := i.device
	i.mu.Unlock()

	i.cancel()
	if device != "" {
		i.disconnect(device)
	}
	i.wg.Wait()
	if err := i.drv.Close(); err != nil {
		return fmt.Errorf("midiin: driver close: %w", err)
	}
	return nil
}

// Device returns the connected port name, or "" while disconnected.
func (i *Input) Device() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.device
}

// ─── Event delivery ──────────────────────────────────────────────────────────

// forward drains the event queue on a single goroutine so note order is
// preserved even when delivery waits on engine construction.
func (i *Input) forward() {
	for {
		select {
		case <-i.ctx.Done():
			return
		case msg := <-i.events:
			i.dispatch(msg)
		}
	}
}

// dispatch feeds one parsed message into the router's local path.
func (i *Input) dispatch(msg midi.Message) {
	var ch, key, vel uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		i.noteDown(key)
		err := i.router.PlayLocal(i.ctx, []instrument.Note{instrument.Note(key)}, float64(vel)/127, false)
		if errors.Is(err, enginepool.ErrNoInstrument) {
			i.log.Debug("key pressed before instrument selection", "note", key)
			return
		}
		if err != nil && !quiet(err) {
			i.log.Warn("note on failed", "note", key, "err", err)
		}
	case msg.GetNoteEnd(&ch, &key):
		i.noteUp(key)
		if err := i.router.StopLocal(i.ctx, []instrument.Note{instrument.Note(key)}); err != nil && !quiet(err) {
			i.log.Warn("note off failed", "note", key, "err", err)
		}
	default:
		var cc, val uint8
		if !msg.GetControlChange(&ch, &cc, &val) || cc != sustainPedalCC {
			return
		}
		if err := i.router.SetLocalSustain(i.ctx, val >= 64); err != nil && !quiet(err) {
			i.log.Warn("sustain change failed", "err", err)
		}
	}
}

func (i *Input) noteDown(key uint8) {
	i.mu.Lock()
	i.down[key] = struct{}{}
	i.mu.Unlock()
}

func (i *Input) noteUp(key uint8) {
	i.mu.Lock()
	delete(i.down, key)
	i.mu.Unlock()
}

// quiet reports errors not worth logging on the hardware path: no selection
// yet, or the session shutting down underneath the keyboard.
func quiet(err error) bool {
	return errors.Is(err, enginepool.ErrNoInstrument) ||
		errors.Is(err, enginepool.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// ─── Port watcher ────────────────────────────────────────────────────────────

func (i *Input) watch() {
	ticker := time.NewTicker(i.rescan)
	defer ticker.Stop()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			i.scan()
		}
	}
}

// scan detects the connected port vanishing and attaches a suitable port
// while disconnected.
func (i *Input) scan() {
	ins, err := i.drv.Ins()
	if err != nil {
		i.log.Warn("midi port enumeration failed", "err", err)
		return
	}
	names := make([]string, 0, len(ins))
	byName := make(map[string]drivers.In, len(ins))
	for _, in := range ins {
		name := in.String()
		if excludedPort(name) {
			continue
		}
		names = append(names, name)
		byName[name] = in
	}

	i.mu.Lock()
	device := i.device
	i.mu.Unlock()

	if device != "" {
		if _, ok := byName[device]; ok {
			return
		}
		i.log.Warn("midi device disappeared", "device", device)
		i.disconnect(device)
	}

	name, ok := pickPort(names, i.port)
	if !ok {
		return
	}
	if err := i.open(byName[name], name); err != nil {
		i.log.Warn("midi connect failed", "device", name, "err", err)
	}
}

// open connects the port and starts the listener. The listener callback runs
// on the driver's goroutine and must hand off without blocking; delivery
// waits happen on the forward goroutine instead.
func (i *Input) open(in drivers.In, name string) error {
	if err := in.Open(); err != nil {
		return fmt.Errorf("open %q: %w", name, err)
	}
	stop, err := midi.ListenTo(in, func(msg midi.Message, _ int32) {
		select {
		case i.events <- msg:
		default:
			i.log.Warn("midi event dropped, queue full")
		}
	}, midi.HandleError(func(listenErr error) {
		i.log.Warn("midi listener error, assuming disconnect", "device", name, "err", listenErr)
		// New goroutine: stopping the listener from inside its own
		// callback deadlocks.
		go i.disconnect(name)
	}))
	if err != nil {
		_ = in.Close()
		return fmt.Errorf("listen %q: %w", name, err)
	}

	i.mu.Lock()
	i.in = in
	i.stop = stop
	i.device = name
	i.mu.Unlock()
	i.log.Info("midi input connected", "device", name)
	return nil
}

// disconnect tears the port down and silences everything the keyboard still
// held, so a yanked cable never leaves notes ringing.
func (i *Input) disconnect(name string) {
	i.mu.Lock()
	if i.device != name {
		i.mu.Unlock()
		return
	}
	stop, in := i.stop, i.in
	i.stop, i.in, i.device = nil, nil, ""
	held := make([]instrument.Note, 0, len(i.down))
	for key := range i.down {
		held = append(held, instrument.Note(key))
	}
	clear(i.down)
	i.mu.Unlock()

	if stop != nil {
		stop()
	}
	if in != nil {
		_ = in.Close()
	}
	i.releaseAll(held)
	i.log.Info("midi input disconnected", "device", name)
}

// releaseAll stops held notes and lifts the sustain pedal.
func (i *Input) releaseAll(held []instrument.Note) {
	if i.ctx.Err() != nil {
		return
	}
	if len(held) > 0 {
		if err := i.router.StopLocal(i.ctx, held); err != nil && !quiet(err) {
			i.log.Warn("panic release failed", "err", err)
		}
	}
	if err := i.router.SetLocalSustain(i.ctx, false); err != nil && !quiet(err) {
		i.log.Warn("sustain release failed", "err", err)
	}
}

// ─── Port selection ──────────────────────────────────────────────────────────

// pickPort chooses the input to connect: the first port matching the
// preferred substring, else the only available port. Several ports and no
// preference means no pick; configuring midi.port resolves the ambiguity.
func pickPort(names []string, preferred string) (string, bool) {
	if preferred != "" {
		for _, name := range names {
			if containsFold(name, preferred) {
				return name, true
			}
		}
		return "", false
	}
	if len(names) == 1 {
		return names[0], true
	}
	return "", false
}

func excludedPort(name string) bool {
	for _, pat := range excludedPortPatterns {
		if containsFold(name, pat) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
