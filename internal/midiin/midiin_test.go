package midiin

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tonefield/jamroom/internal/catalog"
	"github.com/tonefield/jamroom/internal/enginepool"
	"github.com/tonefield/jamroom/internal/observe"
	"github.com/tonefield/jamroom/pkg/audio"
	audiomock "github.com/tonefield/jamroom/pkg/audio/mock"
	"github.com/tonefield/jamroom/pkg/instrument"
	instmock "github.com/tonefield/jamroom/pkg/instrument/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(provider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testCatalogs(t *testing.T) *catalog.Set {
	t.Helper()
	set, err := catalog.NewSet(map[instrument.Category][]string{
		instrument.CategorySynth: {"warm_pad", "acid_lead"},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return set
}

// stubFactory hands out mock engines and records every construction.
type stubFactory struct {
	mu     sync.Mutex
	builds []*instmock.Engine
	names  []string
}

func (f *stubFactory) New(name string, _ instrument.Category) instrument.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	eng := &instmock.Engine{ParamsResult: instrument.DefaultParams()}
	f.builds = append(f.builds, eng)
	f.names = append(f.names, name)
	return eng
}

func (f *stubFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.builds)
}

func (f *stubFactory) engineFor(name string) *instmock.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.names {
		if n == name {
			return f.builds[i]
		}
	}
	return nil
}

func newTestRouter(t *testing.T) (*enginepool.Router, *stubFactory) {
	t.Helper()
	f := &stubFactory{}
	r, err := enginepool.NewRouter(enginepool.RouterConfig{
		LocalParticipant: "alice",
		Audio:            audio.NewContext(&audiomock.Driver{}, audio.WithLogger(discardLogger())),
		Factory:          f,
		Catalogs:         testCatalogs(t),
		LoadTimeout:      2 * time.Second,
		Metrics:          testMetrics(t),
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(func() { _ = r.Cleanup() })
	return r, f
}

// newTestInput wires an Input to a real router without touching the driver.
func newTestInput(t *testing.T) (*Input, *stubFactory) {
	t.Helper()
	r, f := newTestRouter(t)
	return &Input{
		router: r,
		log:    discardLogger(),
		ctx:    context.Background(),
		down:   make(map[uint8]struct{}),
	}, f
}

func TestDispatch_NotesAndSustain(t *testing.T) {
	in, f := newTestInput(t)
	if err := in.router.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	eng := f.engineFor("warm_pad")

	in.dispatch(midi.NoteOn(0, 60, 127))
	plays := eng.Plays()
	if len(plays) != 1 || plays[0].Velocity != 1 || plays[0].Notes[0] != 60 {
		t.Fatalf("plays = %+v", plays)
	}

	in.dispatch(midi.ControlChange(0, sustainPedalCC, 127))
	in.dispatch(midi.ControlChange(0, sustainPedalCC, 0))
	if sustains := eng.Sustains(); len(sustains) != 2 || !sustains[0] || sustains[1] {
		t.Fatalf("sustains = %v", sustains)
	}

	// Other controllers are ignored.
	in.dispatch(midi.ControlChange(0, 1, 127))
	if sustains := eng.Sustains(); len(sustains) != 2 {
		t.Fatalf("mod wheel reached the engine: %v", sustains)
	}

	in.dispatch(midi.NoteOff(0, 60))
	if stops := eng.Stops(); len(stops) != 1 || stops[0][0] != 60 {
		t.Fatalf("stops = %v", stops)
	}
	if _, held := in.down[60]; held {
		t.Error("note 60 still tracked as down after note off")
	}
}

func TestDispatch_BeforeSelectionIsSilent(t *testing.T) {
	in, f := newTestInput(t)

	in.dispatch(midi.NoteOn(0, 60, 100))
	in.dispatch(midi.NoteOff(0, 60))
	in.dispatch(midi.ControlChange(0, sustainPedalCC, 127))

	if n := f.buildCount(); n != 0 {
		t.Fatalf("buildCount = %d, want 0", n)
	}
}

func TestDisconnectReleasesHeldNotes(t *testing.T) {
	in, f := newTestInput(t)
	if err := in.router.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	eng := f.engineFor("warm_pad")

	in.dispatch(midi.NoteOn(0, 60, 100))
	in.dispatch(midi.NoteOn(0, 64, 100))
	in.device = "Launchkey Mini MK3"

	in.disconnect("Launchkey Mini MK3")

	stops := eng.Stops()
	if len(stops) != 1 || len(stops[0]) != 2 {
		t.Fatalf("stops = %v, want one stop of both held notes", stops)
	}
	got := map[instrument.Note]bool{}
	for _, n := range stops[0] {
		got[n] = true
	}
	if !got[60] || !got[64] {
		t.Fatalf("stopped notes = %v, want 60 and 64", stops[0])
	}
	if sustains := eng.Sustains(); len(sustains) != 1 || sustains[0] {
		t.Fatalf("sustains = %v, want pedal lifted", sustains)
	}
	if in.Device() != "" {
		t.Errorf("Device() = %q after disconnect", in.Device())
	}
	if len(in.down) != 0 {
		t.Errorf("down = %v after disconnect", in.down)
	}
}

func TestDisconnectIgnoresStaleDevice(t *testing.T) {
	in, f := newTestInput(t)
	if err := in.router.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	in.dispatch(midi.NoteOn(0, 60, 100))
	in.device = "Launchkey Mini MK3"

	// A listener error for a port we already moved away from does nothing.
	in.disconnect("MPK Mini")

	if in.Device() != "Launchkey Mini MK3" {
		t.Fatalf("Device() = %q, want Launchkey Mini MK3", in.Device())
	}
	if stops := f.engineFor("warm_pad").Stops(); len(stops) != 0 {
		t.Fatalf("stale disconnect released notes: %v", stops)
	}
}

func TestPickPort(t *testing.T) {
	cases := []struct {
		name      string
		names     []string
		preferred string
		want      string
		ok        bool
	}{
		{"preferred substring", []string{"MPK Mini", "Launchkey Mini MK3"}, "launchkey", "Launchkey Mini MK3", true},
		{"preferred missing", []string{"MPK Mini"}, "launchkey", "", false},
		{"single port", []string{"MPK Mini"}, "", "MPK Mini", true},
		{"ambiguous", []string{"MPK Mini", "Launchkey Mini MK3"}, "", "", false},
		{"no ports", nil, "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := pickPort(tc.names, tc.preferred)
			if got != tc.want || ok != tc.ok {
				t.Errorf("pickPort(%v, %q) = %q, %v; want %q, %v", tc.names, tc.preferred, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestExcludedPort(t *testing.T) {
	for name, want := range map[string]bool{
		"Midi Through Port-0":  true,
		"VirMIDI Through Port": true,
		"Dummy":                true,
		"Launchkey Mini MK3":   false,
		"MPK Mini":             false,
	} {
		if got := excludedPort(name); got != want {
			t.Errorf("excludedPort(%q) = %v, want %v", name, got, want)
		}
	}
}
