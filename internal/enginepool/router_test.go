package enginepool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tonefield/jamroom/internal/prefs"
	"github.com/tonefield/jamroom/pkg/audio"
	audiomock "github.com/tonefield/jamroom/pkg/audio/mock"
	"github.com/tonefield/jamroom/pkg/instrument"
)

func newTestRouter(t *testing.T, f *stubFactory, mutate ...func(*RouterConfig)) (*Router, *audio.Context, *prefs.Memory) {
	t.Helper()
	actx := audio.NewContext(&audiomock.Driver{}, audio.WithLogger(discardLogger()))
	mem := prefs.NewMemory()
	cfg := RouterConfig{
		LocalParticipant: "alice",
		Audio:            actx,
		Factory:          f,
		Catalogs:         testCatalogs(t),
		Prefs:            mem,
		LoadTimeout:      2 * time.Second,
		Metrics:          testMetrics(t),
		Logger:           discardLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(func() { _ = r.Cleanup() })
	return r, actx, mem
}

// settled reports that no build is running and the pool holds exactly n
// engines; once it returns true, engine call records are stable to read.
func settled(r *Router, n int) func() bool {
	return func() bool {
		s := r.Stats()
		return s.Loading == 0 && s.Engines == n
	}
}

func TestNewRouter_Validation(t *testing.T) {
	actx := audio.NewContext(&audiomock.Driver{}, audio.WithLogger(discardLogger()))
	base := func() RouterConfig {
		return RouterConfig{
			LocalParticipant: "alice",
			Audio:            actx,
			Factory:          newStubFactory(),
			Catalogs:         testCatalogs(t),
		}
	}

	cases := []struct {
		name   string
		mutate func(*RouterConfig)
	}{
		{"missing participant", func(c *RouterConfig) { c.LocalParticipant = "" }},
		{"missing audio", func(c *RouterConfig) { c.Audio = nil }},
		{"missing factory", func(c *RouterConfig) { c.Factory = nil }},
		{"missing catalogs", func(c *RouterConfig) { c.Catalogs = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if _, err := NewRouter(cfg); err == nil {
				t.Error("expected config error, got nil")
			}
		})
	}
}

func TestRouter_PlayLocalWithoutSelection(t *testing.T) {
	r, _, _ := newTestRouter(t, newStubFactory())
	err := r.PlayLocal(context.Background(), []instrument.Note{60}, 0.8, false)
	if !errors.Is(err, ErrNoInstrument) {
		t.Fatalf("expected ErrNoInstrument, got %v", err)
	}
}

func TestRouter_LocalPlaysWaitForConstruction(t *testing.T) {
	f := newStubFactory()
	gate := f.gate("warm_pad")
	r, _, _ := newTestRouter(t, f)

	selectDone := make(chan error, 1)
	go func() {
		selectDone <- r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth)
	}()
	waitFor(t, time.Second, func() bool { return r.Stats().Loading == 1 }, "build to start")

	// Key presses landing mid-load must queue behind the one build, not
	// spawn their own.
	const presses = 3
	playDone := make(chan error, presses)
	for i := 0; i < presses; i++ {
		go func() {
			playDone <- r.PlayLocal(context.Background(), []instrument.Note{60, 64, 67}, 0.8, true)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)

	if err := <-selectDone; err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	for i := 0; i < presses; i++ {
		if err := <-playDone; err != nil {
			t.Fatalf("PlayLocal: %v", err)
		}
	}

	if f.buildCount() != 1 {
		t.Fatalf("expected a single construction, got %d", f.buildCount())
	}
	eng := f.enginesFor("warm_pad")[0]
	if eng.CallCountInitialize != 1 {
		t.Errorf("expected 1 Initialize, got %d", eng.CallCountInitialize)
	}
	if len(eng.PlayCalls) != presses {
		t.Errorf("expected %d plays delivered, got %d", presses, len(eng.PlayCalls))
	}
}

func TestRouter_LocalStopAndSustainReachEngine(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f)

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	if err := r.StopLocal(context.Background(), []instrument.Note{60}); err != nil {
		t.Fatalf("StopLocal: %v", err)
	}
	if err := r.SetLocalSustain(context.Background(), true); err != nil {
		t.Fatalf("SetLocalSustain: %v", err)
	}

	eng := f.enginesFor("warm_pad")[0]
	if len(eng.StopCalls) != 1 {
		t.Errorf("expected 1 stop call, got %d", len(eng.StopCalls))
	}
	if len(eng.SustainCalls) != 1 || !eng.SustainCalls[0] {
		t.Errorf("expected sustain on, got %v", eng.SustainCalls)
	}
}

func TestRouter_PlayLocalSwallowsPlaybackFailure(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f)

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	eng := f.enginesFor("warm_pad")[0]
	eng.PlayErr = errors.New("voice allocation failed")

	// A render hiccup mid-jam is logged, not surfaced.
	if err := r.PlayLocal(context.Background(), []instrument.Note{60}, 0.8, false); err != nil {
		t.Fatalf("expected playback failure swallowed, got %v", err)
	}
	if len(eng.PlayCalls) != 1 {
		t.Errorf("expected play attempted, got %d calls", len(eng.PlayCalls))
	}
}

func TestRouter_SetLocalInstrumentRejectsBadInput(t *testing.T) {
	r, _, _ := newTestRouter(t, newStubFactory())
	if err := r.SetLocalInstrument(context.Background(), "", instrument.CategorySynth); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.Category("theremins")); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestRouter_SwitchDisposesOldEngineFirst(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f)

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	first := f.enginesFor("warm_pad")[0]

	f.onNew = func(name string, _ instrument.Category) {
		if name == "acid_lead" && !first.Disposed() {
			t.Error("expected old engine disposed before replacement construction")
		}
	}
	if err := r.SetLocalInstrument(context.Background(), "acid_lead", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}

	if !first.Disposed() {
		t.Error("expected displaced engine disposed")
	}
	if got := r.Stats().Engines; got != 1 {
		t.Errorf("expected one live engine after switch, got %d", got)
	}
}

func TestRouter_SameSelectionDoesNotRebuild(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f)

	for i := 0; i < 3; i++ {
		if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
			t.Fatalf("SetLocalInstrument: %v", err)
		}
	}
	if f.buildCount() != 1 {
		t.Errorf("expected redundant selections to be free, got %d builds", f.buildCount())
	}
}

func TestRouter_ReselectingAfterFallbackRetries(t *testing.T) {
	f := newStubFactory()
	f.failWith("warm_pad", errors.New("missing samples"))
	r, _, _ := newTestRouter(t, f)

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	if got := f.buildNames(); !equalStrings(got, []string{"warm_pad", "acid_lead"}) {
		t.Fatalf("expected fallback to acid_lead, got %v", got)
	}

	// The instrument recovers. Picking it again must retry it, not shrug
	// and keep the substitute.
	f.failWith("warm_pad", nil)
	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	if f.buildCount() != 3 {
		t.Fatalf("expected a retry build, got %d builds", f.buildCount())
	}
	warmEngines := f.enginesFor("warm_pad")
	if len(warmEngines) != 2 || !warmEngines[1].Ready() {
		t.Error("expected recovered warm_pad engine live")
	}

	// Now that the real thing is playing, re-picking it is free again.
	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	if f.buildCount() != 3 {
		t.Errorf("expected no further builds, got %d", f.buildCount())
	}
}

func TestRouter_PlayRemoteDropsWhileLoading(t *testing.T) {
	f := newStubFactory()
	gate := f.gate("acid_lead")
	r, _, _ := newTestRouter(t, f)
	key := synthKey("bob", "acid_lead")
	notes := []instrument.Note{48, 55}

	// First notes for an unknown key: dropped, one background build kicked off.
	if r.PlayRemote(context.Background(), key, notes, 0.7, false) {
		t.Fatal("expected first remote notes dropped")
	}
	if got := r.Stats().Loading; got != 1 {
		t.Fatalf("expected background build running, got %d", got)
	}

	// More notes while it loads: still dropped, still one build.
	if r.PlayRemote(context.Background(), key, notes, 0.7, false) {
		t.Fatal("expected notes dropped while loading")
	}
	if f.buildCount() != 1 {
		t.Fatalf("expected a single build, got %d", f.buildCount())
	}

	close(gate)
	waitFor(t, time.Second, settled(r, 1), "build to settle")

	// Dropped means dropped: nothing was queued for later.
	eng := f.enginesFor("acid_lead")[0]
	if len(eng.PlayCalls) != 0 {
		t.Fatalf("expected no buffered notes, got %d plays", len(eng.PlayCalls))
	}

	if !r.PlayRemote(context.Background(), key, notes, 0.7, false) {
		t.Fatal("expected notes delivered once engine is ready")
	}
	if len(eng.PlayCalls) != 1 {
		t.Errorf("expected 1 play call, got %d", len(eng.PlayCalls))
	}
}

func TestRouter_ConcurrentRemoteMissesStartOneBuild(t *testing.T) {
	f := newStubFactory()
	gate := f.gate("acid_lead")
	r, _, _ := newTestRouter(t, f)
	key := synthKey("bob", "acid_lead")

	var wg sync.WaitGroup
	const senders = 8
	delivered := make(chan bool, senders)
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			delivered <- r.PlayRemote(context.Background(), key, []instrument.Note{52}, 0.6, false)
		}()
	}
	wg.Wait()
	close(delivered)

	for got := range delivered {
		if got {
			t.Error("expected every mid-load play to report dropped")
		}
	}
	if f.buildCount() != 1 {
		t.Errorf("expected one build for %d concurrent misses, got %d", senders, f.buildCount())
	}
	close(gate)
}

func TestRouter_RemoteStopAndSustainNoopWithoutEngine(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f)
	key := synthKey("bob", "acid_lead")

	// Releasing notes that never sounded must not warm anything up.
	r.StopRemote(key, []instrument.Note{60})
	r.SetRemoteSustain(key, true)

	if got := r.Stats().Loading; got != 0 {
		t.Errorf("expected no build started, got %d", got)
	}
	if f.buildCount() != 0 {
		t.Errorf("expected no constructions, got %d", f.buildCount())
	}
}

func TestRouter_RemoteStopAndSustainReachEngine(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f)
	key := synthKey("bob", "acid_lead")

	r.PlayRemote(context.Background(), key, []instrument.Note{60}, 0.7, false)
	waitFor(t, time.Second, settled(r, 1), "build to settle")

	r.StopRemote(key, []instrument.Note{60})
	r.SetRemoteSustain(key, true)

	eng := f.enginesFor("acid_lead")[0]
	if len(eng.StopCalls) != 1 {
		t.Errorf("expected 1 stop call, got %d", len(eng.StopCalls))
	}
	if len(eng.SustainCalls) != 1 || !eng.SustainCalls[0] {
		t.Errorf("expected sustain on, got %v", eng.SustainCalls)
	}
}

func TestRouter_UpdateRemoteParamsDropsThenApplies(t *testing.T) {
	f := newStubFactory()
	gate := f.gate("acid_lead")
	r, _, _ := newTestRouter(t, f)
	key := synthKey("bob", "acid_lead")

	gain := 0.5
	patch := instrument.ParamPatch{Gain: &gain}

	if r.UpdateRemoteParams(context.Background(), key, patch) {
		t.Fatal("expected patch dropped while engine missing")
	}
	if got := r.Stats().Loading; got != 1 {
		t.Fatalf("expected background build running, got %d", got)
	}

	close(gate)
	waitFor(t, time.Second, settled(r, 1), "build to settle")

	if !r.UpdateRemoteParams(context.Background(), key, patch) {
		t.Fatal("expected patch applied once engine is ready")
	}
	eng := f.enginesFor("acid_lead")[0]
	if got := eng.Params().Gain; got != 0.5 {
		t.Errorf("expected gain 0.5, got %v", got)
	}
}

func TestRouter_UpdateLocalParamsPersists(t *testing.T) {
	f := newStubFactory()
	r, _, mem := newTestRouter(t, f)

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}

	gain := 0.4
	if err := r.UpdateLocalParams(context.Background(), instrument.ParamPatch{Gain: &gain}); err != nil {
		t.Fatalf("UpdateLocalParams: %v", err)
	}

	rec, err := mem.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Instrument != "warm_pad" || rec.Params.Gain != 0.4 {
		t.Errorf("expected warm_pad with gain 0.4 persisted, got %+v", rec)
	}
}

func TestRouter_ParamsPersistUnderSubstituteName(t *testing.T) {
	f := newStubFactory()
	f.failWith("warm_pad", errors.New("missing samples"))
	r, _, mem := newTestRouter(t, f)

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}

	gain := 0.25
	if err := r.UpdateLocalParams(context.Background(), instrument.ParamPatch{Gain: &gain}); err != nil {
		t.Fatalf("UpdateLocalParams: %v", err)
	}

	// The knob was turned on the engine that is actually sounding, so the
	// record names the substitute.
	rec, err := mem.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Instrument != "acid_lead" || rec.Params.Gain != 0.25 {
		t.Errorf("expected substitute persisted with gain 0.25, got %+v", rec)
	}
}

func TestRouter_FallbackNoticeDeliveredOnce(t *testing.T) {
	f := newStubFactory()
	f.failWith("warm_pad", errors.New("missing samples"))
	r, _, _ := newTestRouter(t, f)

	var mu sync.Mutex
	var events []FallbackEvent
	r.OnFallback(func(ev FallbackEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected one notice, got %d", len(events))
	}
	want := FallbackEvent{Participant: "alice", Requested: "warm_pad", Substitute: "acid_lead", Category: instrument.CategorySynth}
	if events[0] != want {
		t.Errorf("expected %+v, got %+v", want, events[0])
	}
}

func TestRouter_RemoveParticipantDisposesEngines(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f)

	r.PlayRemote(context.Background(), synthKey("bob", "acid_lead"), []instrument.Note{60}, 0.7, false)
	r.PlayRemote(context.Background(), drumKey("carol", "tr_808"), []instrument.Note{36}, 0.9, false)
	waitFor(t, time.Second, settled(r, 2), "builds to settle")

	r.RemoveParticipant(context.Background(), "bob")

	if got := r.Stats().Engines; got != 1 {
		t.Fatalf("expected carol's engine to survive, got %d engines", got)
	}
	if eng := f.enginesFor("acid_lead")[0]; !eng.Disposed() {
		t.Error("expected bob's engine disposed")
	}
	if eng := f.enginesFor("tr_808")[0]; eng.Disposed() {
		t.Error("expected carol's engine untouched")
	}
}

func TestRouter_PreloadWarmsRoster(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f)

	reqs := []PreloadRequest{
		{Participant: "alice", Instrument: "warm_pad", Category: instrument.CategorySynth},
		{Participant: "bob", Instrument: "acid_lead", Category: instrument.CategorySynth},
		{Participant: "bob", Instrument: "acid_lead", Category: instrument.CategorySynth}, // duplicate
		{Participant: "carol", Instrument: "tr_808", Category: instrument.CategoryDrums},
	}
	if err := r.Preload(context.Background(), reqs); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	if got := r.Stats().Engines; got != 3 {
		t.Errorf("expected 3 engines, got %d", got)
	}
	if f.buildCount() != 3 {
		t.Errorf("expected duplicate entry deduplicated, got %d builds", f.buildCount())
	}
	if _, _, ok := r.pool.Local(); !ok {
		t.Error("expected local slot filled for the local participant")
	}

	// Preloading again over live engines is a no-op.
	if err := r.Preload(context.Background(), reqs); err != nil {
		t.Fatalf("repeat Preload: %v", err)
	}
	if f.buildCount() != 3 {
		t.Errorf("expected warm keys skipped, got %d builds", f.buildCount())
	}
}

func TestRouter_PreloadFailuresAreIndependent(t *testing.T) {
	f := newStubFactory()
	for _, name := range []string{"warm_pad", "acid_lead", "glass_keys"} {
		f.failWith(name, errors.New("device refused"))
	}
	r, _, _ := newTestRouter(t, f)

	reqs := []PreloadRequest{
		{Participant: "bob", Instrument: "warm_pad", Category: instrument.CategorySynth},
		{Participant: "carol", Instrument: "tr_808", Category: instrument.CategoryDrums},
	}
	err := r.Preload(context.Background(), reqs)
	if !errors.Is(err, ErrInstrumentUnavailable) {
		t.Fatalf("expected ErrInstrumentUnavailable in joined error, got %v", err)
	}

	// The synth catalog being down must not cost carol her drums.
	if got := r.Stats().Engines; got != 1 {
		t.Errorf("expected drums loaded despite synth failure, got %d engines", got)
	}
	if _, ok := r.pool.Remote(drumKey("carol", "tr_808")); !ok {
		t.Error("expected carol's engine pooled")
	}
}

func TestRouter_IdleRemoteEnginesEvicted(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f, func(cfg *RouterConfig) {
		cfg.EngineIdleTTL = 25 * time.Millisecond
		cfg.SweepInterval = 5 * time.Millisecond
	})

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	r.PlayRemote(context.Background(), synthKey("bob", "acid_lead"), []instrument.Note{60}, 0.7, false)
	waitFor(t, time.Second, settled(r, 2), "builds to settle")

	// Bob goes quiet; his engine ages out. The local slot never does.
	waitFor(t, 2*time.Second, func() bool { return r.Stats().Engines == 1 }, "idle eviction")
	if _, _, ok := r.pool.Local(); !ok {
		t.Fatal("expected local engine to survive eviction")
	}
	eng := f.enginesFor("acid_lead")[0]
	waitFor(t, time.Second, eng.Disposed, "evicted engine disposal")
}

func TestRouter_VoiceActivityDrivesQuality(t *testing.T) {
	f := newStubFactory()
	r, _, _ := newTestRouter(t, f)

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	r.PlayRemote(context.Background(), synthKey("bob", "acid_lead"), []instrument.Note{60}, 0.7, false)
	waitFor(t, time.Second, settled(r, 2), "builds to settle")

	r.SetVoiceActivity(VoiceActivity{Active: true, ReduceQuality: true})
	if !r.QualityReduced() {
		t.Fatal("expected reduced quality while voice active")
	}
	for _, name := range []string{"warm_pad", "acid_lead"} {
		if calls := f.enginesFor(name)[0].QualityCalls; len(calls) != 1 || !calls[0] {
			t.Errorf("expected %s reduced once, got %v", name, calls)
		}
	}

	// An engine built mid-reduction comes up already reduced.
	r.PlayRemote(context.Background(), drumKey("carol", "tr_808"), []instrument.Note{36}, 0.9, false)
	waitFor(t, time.Second, settled(r, 3), "late build to settle")
	if calls := f.enginesFor("tr_808")[0].QualityCalls; len(calls) != 1 || !calls[0] {
		t.Errorf("expected late engine reduced on arrival, got %v", calls)
	}

	// Voice stops: everyone back to full quality.
	r.SetVoiceActivity(VoiceActivity{Active: false, ReduceQuality: true})
	if r.QualityReduced() {
		t.Fatal("expected full quality after voice stopped")
	}
	for _, name := range []string{"warm_pad", "acid_lead", "tr_808"} {
		calls := f.enginesFor(name)[0].QualityCalls
		if len(calls) != 2 || calls[1] {
			t.Errorf("expected %s restored, got %v", name, calls)
		}
	}
}

func TestRouter_RestoreLocalInstrument(t *testing.T) {
	f := newStubFactory()
	r, _, mem := newTestRouter(t, f)

	restored, err := r.RestoreLocalInstrument(context.Background())
	if err != nil || restored {
		t.Fatalf("expected nothing to restore, got restored=%v err=%v", restored, err)
	}
	if f.buildCount() != 0 {
		t.Fatalf("expected no build without a stored selection, got %d", f.buildCount())
	}

	stored := instrument.Params{Waveform: instrument.WaveSine, Gain: 0.33, Polyphony: instrument.PolyphonyPoly}
	err = mem.Put(context.Background(), prefs.Record{
		Participant: "alice",
		Instrument:  "acid_lead",
		Category:    instrument.CategorySynth,
		Params:      stored,
	})
	if err != nil {
		t.Fatalf("seed prefs: %v", err)
	}

	restored, err = r.RestoreLocalInstrument(context.Background())
	if err != nil || !restored {
		t.Fatalf("expected restore, got restored=%v err=%v", restored, err)
	}
	key, eng, ok := r.pool.Local()
	if !ok || key != synthKey("alice", "acid_lead") {
		t.Fatalf("expected acid_lead in local slot, got %v", key)
	}
	if got := eng.Params(); got != stored {
		t.Errorf("expected stored params replayed, got %+v", got)
	}
}

func TestRouter_ReadyTracksAudioContext(t *testing.T) {
	r, actx, _ := newTestRouter(t, newStubFactory())
	if !r.Ready() {
		t.Fatal("expected fresh router ready")
	}
	_ = actx.Close()
	if r.Ready() {
		t.Error("expected not ready with audio context closed")
	}
}

func TestRouter_CleanupIdempotent(t *testing.T) {
	f := newStubFactory()
	r, actx, _ := newTestRouter(t, f)

	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); err != nil {
		t.Fatalf("SetLocalInstrument: %v", err)
	}
	r.PlayRemote(context.Background(), synthKey("bob", "acid_lead"), []instrument.Note{60}, 0.7, false)
	waitFor(t, time.Second, settled(r, 2), "builds to settle")

	if err := r.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	for _, name := range []string{"warm_pad", "acid_lead"} {
		if !f.enginesFor(name)[0].Disposed() {
			t.Errorf("expected %s engine disposed", name)
		}
	}
	if actx.State() != audio.StateClosed {
		t.Error("expected audio context closed")
	}
	if r.Ready() {
		t.Error("expected router not ready after cleanup")
	}

	// Operations after cleanup fail fast or report dropped.
	if err := r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := r.PlayLocal(context.Background(), []instrument.Note{60}, 0.8, false); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if r.PlayRemote(context.Background(), synthKey("bob", "acid_lead"), []instrument.Note{60}, 0.7, false) {
		t.Error("expected remote notes dropped after cleanup")
	}

	if err := r.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}

func TestRouter_CleanupAbortsInFlightLoads(t *testing.T) {
	f := newStubFactory()
	f.gate("warm_pad") // never closed
	r, _, _ := newTestRouter(t, f)

	selectDone := make(chan error, 1)
	go func() {
		selectDone <- r.SetLocalInstrument(context.Background(), "warm_pad", instrument.CategorySynth)
	}()
	waitFor(t, time.Second, func() bool { return r.Stats().Loading == 1 }, "build to start")

	if err := r.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := <-selectDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled load, got %v", err)
	}
	if got := r.Stats().Engines; got != 0 {
		t.Errorf("expected no engine pooled, got %d", got)
	}
}
