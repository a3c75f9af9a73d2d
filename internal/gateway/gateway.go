// Package gateway is the WebSocket boundary of a jam session. The UI and the
// peer-event relay connect here to deliver note, parameter, sustain,
// instrument-change and voice-activity events into the engine router, and
// receive fallback and drop outcomes back.
//
// One connection speaks for one participant: the first frame must be a join
// naming them, and every later frame applies to that participant. Events for
// the host participant take the router's local path and may wait for engine
// construction; events for remote peers take the non-blocking remote path,
// where notes that arrive before the engine is ready are dropped by policy
// and reported with a dropped notice.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tonefield/jamroom/internal/catalog"
	"github.com/tonefield/jamroom/internal/enginepool"
	"github.com/tonefield/jamroom/internal/observe"
	"github.com/tonefield/jamroom/pkg/instrument"
)

const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// noticeBuffer bounds the per-connection outbound queue. A consumer that
	// cannot keep up loses notices rather than stalling a build goroutine.
	noticeBuffer = 32
)

// Config carries the dependencies for [NewServer].
type Config struct {
	// LocalParticipant is the participant playing on this host. Required.
	LocalParticipant string

	// Router receives every event. Required.
	Router *enginepool.Router

	// Catalogs backs instrument-name resolution. Required.
	Catalogs *catalog.Set

	// Resolver absorbs free-form instrument names. Defaults to
	// [catalog.NewResolver].
	Resolver *catalog.Resolver

	// AllowedOrigins is passed through to the WebSocket accept handshake.
	// Empty means same-origin only.
	AllowedOrigins []string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Server accepts WebSocket connections and routes their events. It
// implements [http.Handler]; mount it on the session endpoint.
type Server struct {
	local    string
	router   *enginepool.Router
	catalogs *catalog.Set
	resolver *catalog.Resolver
	origins  []string
	metrics  *observe.Metrics
	log      *slog.Logger

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// conn is one live WebSocket connection and the participant it speaks for.
type conn struct {
	id      string
	ws      *websocket.Conn
	notices chan serverNotice
	cancel  context.CancelFunc

	mu          sync.Mutex
	participant string
	selection   enginepool.Key
}

// NewServer validates cfg and registers the fallback broadcast on the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.LocalParticipant == "" {
		return nil, errors.New("gateway: config missing local participant")
	}
	if cfg.Router == nil {
		return nil, errors.New("gateway: config missing router")
	}
	if cfg.Catalogs == nil {
		return nil, errors.New("gateway: config missing catalogs")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = catalog.NewResolver()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		local:    cfg.LocalParticipant,
		router:   cfg.Router,
		catalogs: cfg.Catalogs,
		resolver: cfg.Resolver,
		origins:  cfg.AllowedOrigins,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}
	s.conns = make(map[*conn]struct{})
	cfg.Router.OnFallback(s.broadcastFallback)
	return s, nil
}

// ServeHTTP upgrades the request and serves the connection until it drops or
// the server closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "gateway closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{
		id:      uuid.NewString(),
		ws:      ws,
		notices: make(chan serverNotice, noticeBuffer),
		cancel:  cancel,
	}
	if !s.register(c) {
		ws.Close(websocket.StatusGoingAway, "gateway closed")
		return
	}
	s.log.Info("connection opened", "conn", c.id, "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(ctx, c)
	}()

	s.readLoop(ctx, c)

	cancel()
	s.unregister(c)
	ws.Close(websocket.StatusNormalClosure, "")
	s.log.Info("connection closed", "conn", c.id)
}

// register adds c to the connection set unless the server has closed.
func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

// unregister removes c and, when it was the last connection speaking for a
// remote participant, disposes that participant's engines. The host
// participant's engines survive a UI disconnect: audio renders on this host
// whether or not a control surface is attached.
func (s *Server) unregister(c *conn) {
	p := c.boundParticipant()
	s.mu.Lock()
	delete(s.conns, c)
	last := p != "" && !s.boundElsewhereLocked(c, p)
	s.mu.Unlock()

	if !last {
		return
	}
	s.metrics.ActiveParticipants.Add(context.Background(), -1)
	if p != s.local {
		s.router.RemoveParticipant(context.Background(), p)
		s.log.Info("participant disconnected", "conn", c.id, "participant", p)
	}
}

// boundElsewhereLocked reports whether any connection other than c speaks for
// participant. The caller holds s.mu.
func (s *Server) boundElsewhereLocked(c *conn, participant string) bool {
	for other := range s.conns {
		if other != c && other.boundParticipant() == participant {
			return true
		}
	}
	return false
}

// Close cancels every connection and waits for their writers to stop. The
// router is untouched; its owner tears it down separately.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.wg.Wait()
	return nil
}

// ─── Connection loops ────────────────────────────────────────────────────────

// readLoop decodes inbound frames and dispatches them until the connection
// drops or ctx is cancelled.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if ctx.Err() == nil && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.log.Debug("connection read failed", "conn", c.id, "err", err)
			}
			return
		}
		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// Skip malformed frames.
			s.log.Debug("malformed frame", "conn", c.id, "err", err)
			continue
		}
		s.handleEvent(ctx, c, ev)
	}
}

// writeLoop drains the notice queue and keeps the connection alive with
// periodic pings.
func (s *Server) writeLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.notices:
			data, err := json.Marshal(n)
			if err != nil {
				s.log.Warn("notice marshal failed", "conn", c.id, "err", err)
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// ─── Event dispatch ──────────────────────────────────────────────────────────

func (s *Server) handleEvent(ctx context.Context, c *conn, ev clientEvent) {
	switch ev.Type {
	case evtJoin:
		s.handleJoin(ctx, c, ev)
	case evtLeave:
		s.handleLeave(c)
	case evtNoteOn:
		s.handleNoteOn(ctx, c, ev)
	case evtNoteOff:
		s.handleNoteOff(ctx, c, ev)
	case evtSustain:
		s.handleSustain(ctx, c, ev)
	case evtParams:
		s.handleParams(ctx, c, ev)
	case evtInstrument:
		s.handleInstrument(ctx, c, ev)
	case evtVoice:
		s.router.SetVoiceActivity(enginepool.VoiceActivity{
			Active:        ev.Active,
			ReduceQuality: ev.ReduceQuality,
		})
	default:
		s.log.Warn("unknown event type", "conn", c.id, "type", ev.Type)
		c.notify(s.log, errNotice(fmt.Sprintf("unknown event type %q", ev.Type)))
	}
}

// handleJoin binds the connection to a participant. Joining always succeeds
// once the participant name is valid; a selection that cannot load leaves
// them in the session silent, with the failure reported separately.
func (s *Server) handleJoin(ctx context.Context, c *conn, ev clientEvent) {
	if ev.Participant == "" {
		c.notify(s.log, errNotice("join requires a participant"))
		return
	}

	joined := serverNotice{Type: noticeJoined, Participant: ev.Participant}

	if ev.Instrument != "" {
		key, notice, ok := s.resolveSelection(ev.Participant, ev.Instrument, ev.Category)
		if !ok {
			c.notify(s.log, notice)
			return
		}
		s.bindConn(c, ev.Participant, key)
		if ev.Participant == s.local {
			if err := s.router.SetLocalInstrument(ctx, key.Instrument, key.Category); err != nil {
				c.notify(s.log, errNotice(err.Error()))
				c.notify(s.log, joined)
				return
			}
		} else {
			s.warm(ctx, key)
		}
		joined.Instrument = key.Instrument
		joined.Category = string(key.Category)
		c.notify(s.log, joined)
		s.log.Info("participant joined", "conn", c.id, "participant", ev.Participant, "instrument", key.Instrument)
		return
	}

	s.bindConn(c, ev.Participant, enginepool.Key{})
	if ev.Participant == s.local {
		restored, err := s.router.RestoreLocalInstrument(ctx)
		if err != nil {
			s.log.Warn("selection restore failed", "participant", ev.Participant, "err", err)
			c.notify(s.log, errNotice(err.Error()))
		}
		joined.Restored = restored
	}
	c.notify(s.log, joined)
	s.log.Info("participant joined", "conn", c.id, "participant", ev.Participant, "restored", joined.Restored)
}

func (s *Server) handleLeave(c *conn) {
	s.mu.Lock()
	p := c.unbind()
	last := p != "" && !s.boundElsewhereLocked(c, p)
	s.mu.Unlock()
	if p == "" {
		c.notify(s.log, errNotice("leave before join"))
		return
	}
	if last {
		s.metrics.ActiveParticipants.Add(context.Background(), -1)
	}
	s.router.RemoveParticipant(context.Background(), p)
	s.log.Info("participant left", "conn", c.id, "participant", p)
}

func (s *Server) handleNoteOn(ctx context.Context, c *conn, ev clientEvent) {
	p := c.boundParticipant()
	if p == "" {
		c.notify(s.log, errNotice("note_on before join"))
		return
	}
	notes, err := wireNotes(ev.Notes)
	if err != nil {
		c.notify(s.log, errNotice(err.Error()))
		return
	}
	if ev.Velocity < 0 || ev.Velocity > 1 {
		c.notify(s.log, errNotice("velocity outside [0, 1]"))
		return
	}

	if p == s.local {
		if err := s.router.PlayLocal(ctx, notes, ev.Velocity, ev.Held); err != nil {
			c.notify(s.log, errNotice(err.Error()))
		}
		return
	}
	key, ok := c.selectionKey()
	if !ok {
		c.notify(s.log, errNotice("no instrument selected"))
		return
	}
	if !s.router.PlayRemote(ctx, key, notes, ev.Velocity, ev.Held) {
		c.notify(s.log, serverNotice{Type: noticeDropped, Participant: p})
	}
}

func (s *Server) handleNoteOff(ctx context.Context, c *conn, ev clientEvent) {
	p := c.boundParticipant()
	if p == "" {
		c.notify(s.log, errNotice("note_off before join"))
		return
	}
	notes, err := wireNotes(ev.Notes)
	if err != nil {
		c.notify(s.log, errNotice(err.Error()))
		return
	}

	if p == s.local {
		if err := s.router.StopLocal(ctx, notes); err != nil {
			c.notify(s.log, errNotice(err.Error()))
		}
		return
	}
	if key, ok := c.selectionKey(); ok {
		s.router.StopRemote(key, notes)
	}
}

func (s *Server) handleSustain(ctx context.Context, c *conn, ev clientEvent) {
	p := c.boundParticipant()
	if p == "" {
		c.notify(s.log, errNotice("sustain before join"))
		return
	}
	if p == s.local {
		if err := s.router.SetLocalSustain(ctx, ev.On); err != nil {
			c.notify(s.log, errNotice(err.Error()))
		}
		return
	}
	if key, ok := c.selectionKey(); ok {
		s.router.SetRemoteSustain(key, ev.On)
	}
}

func (s *Server) handleParams(ctx context.Context, c *conn, ev clientEvent) {
	p := c.boundParticipant()
	if p == "" {
		c.notify(s.log, errNotice("params before join"))
		return
	}
	if ev.Patch == nil || ev.Patch.IsZero() {
		c.notify(s.log, errNotice("params requires a patch"))
		return
	}

	if p == s.local {
		if err := s.router.UpdateLocalParams(ctx, *ev.Patch); err != nil {
			c.notify(s.log, errNotice(err.Error()))
		}
		return
	}
	key, ok := c.selectionKey()
	if !ok {
		c.notify(s.log, errNotice("no instrument selected"))
		return
	}
	if !s.router.UpdateRemoteParams(ctx, key, *ev.Patch) {
		c.notify(s.log, serverNotice{Type: noticeDropped, Participant: p})
	}
}

// handleInstrument switches the bound participant's instrument. The category
// defaults to the current selection's when the frame leaves it out.
func (s *Server) handleInstrument(ctx context.Context, c *conn, ev clientEvent) {
	p := c.boundParticipant()
	if p == "" {
		c.notify(s.log, errNotice("instrument before join"))
		return
	}
	if ev.Instrument == "" {
		c.notify(s.log, errNotice("instrument requires a name"))
		return
	}
	category := ev.Category
	if category == "" {
		if key, ok := c.selectionKey(); ok {
			category = string(key.Category)
		}
	}

	key, notice, ok := s.resolveSelection(p, ev.Instrument, category)
	if !ok {
		c.notify(s.log, notice)
		return
	}

	if p == s.local {
		if err := s.router.SetLocalInstrument(ctx, key.Instrument, key.Category); err != nil {
			c.notify(s.log, errNotice(err.Error()))
			return
		}
	} else {
		s.warm(ctx, key)
	}
	c.setSelection(key)
	c.notify(s.log, serverNotice{
		Type:        noticeInstrumentSet,
		Participant: p,
		Instrument:  key.Instrument,
		Category:    string(key.Category),
	})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// bindConn points c at participant and keeps the participant gauge in step:
// the first connection speaking for a participant counts them in, a rebind
// away from their last connection counts them out.
func (s *Server) bindConn(c *conn, participant string, key enginepool.Key) {
	s.mu.Lock()
	prev := c.boundParticipant()
	c.bind(participant, key)
	joined := prev != participant && !s.boundElsewhereLocked(c, participant)
	parted := prev != participant && prev != "" && !s.boundElsewhereLocked(c, prev)
	s.mu.Unlock()

	if parted {
		s.metrics.ActiveParticipants.Add(context.Background(), -1)
	}
	if joined {
		s.metrics.ActiveParticipants.Add(context.Background(), 1)
	}
}

// resolveSelection turns a possibly free-form instrument request into a
// catalog-backed key. When ok is false the returned notice explains the
// rejection.
func (s *Server) resolveSelection(participant, query, category string) (enginepool.Key, serverNotice, bool) {
	cat := instrument.Category(category)
	if !cat.IsValid() {
		return enginepool.Key{}, errNotice(fmt.Sprintf("unknown category %q", category)), false
	}
	list, ok := s.catalogs.Get(cat)
	if !ok {
		return enginepool.Key{}, errNotice(fmt.Sprintf("no catalog for category %q", category)), false
	}

	name := query
	if !list.Contains(name) {
		resolved, confidence, matched := s.resolver.Resolve(query, list)
		if !matched {
			return enginepool.Key{}, errNotice(fmt.Sprintf("no %s instrument matching %q", cat, query)), false
		}
		s.log.Debug("instrument name resolved",
			"query", query,
			"name", resolved,
			"confidence", confidence,
		)
		name = resolved
	}
	return enginepool.Key{Participant: participant, Instrument: name, Category: cat}, serverNotice{}, true
}

// warm builds the engine for key in the background so a relay connection
// never stalls behind construction. Notes arriving before it finishes are
// dropped by policy and reported by the note path.
func (s *Server) warm(ctx context.Context, key enginepool.Key) {
	go func() {
		err := s.router.Preload(ctx, []enginepool.PreloadRequest{{
			Participant: key.Participant,
			Instrument:  key.Instrument,
			Category:    key.Category,
		}})
		if err != nil && ctx.Err() == nil {
			s.log.Warn("engine warm-up failed", "key", key.String(), "err", err)
		}
	}()
}

// broadcastFallback pushes one substitution notice to every connection. It
// runs on the coordinator's build goroutine, so sends must not block.
func (s *Server) broadcastFallback(ev enginepool.FallbackEvent) {
	n := serverNotice{
		Type:        noticeFallback,
		Participant: ev.Participant,
		Requested:   ev.Requested,
		Substitute:  ev.Substitute,
		Category:    string(ev.Category),
	}
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.notify(s.log, n)
	}
}

// wireNotes validates MIDI note numbers off the wire.
func wireNotes(in []int) ([]instrument.Note, error) {
	if len(in) == 0 {
		return nil, errors.New("no notes")
	}
	out := make([]instrument.Note, len(in))
	for i, n := range in {
		if n < 0 || n > 127 {
			return nil, fmt.Errorf("note %d outside MIDI range", n)
		}
		out[i] = instrument.Note(n)
	}
	return out, nil
}

// ─── conn ────────────────────────────────────────────────────────────────────

func (c *conn) bind(participant string, key enginepool.Key) {
	c.mu.Lock()
	c.participant = participant
	c.selection = key
	c.mu.Unlock()
}

func (c *conn) unbind() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.participant
	c.participant = ""
	c.selection = enginepool.Key{}
	return p
}

func (c *conn) setSelection(key enginepool.Key) {
	c.mu.Lock()
	c.selection = key
	c.mu.Unlock()
}

func (c *conn) boundParticipant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant
}

func (c *conn) selectionKey() (enginepool.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selection.IsZero() {
		return enginepool.Key{}, false
	}
	return c.selection, true
}

// notify queues n without blocking; a consumer that cannot keep up loses
// notices rather than stalling the sender.
func (c *conn) notify(log *slog.Logger, n serverNotice) {
	select {
	case c.notices <- n:
	default:
		log.Warn("notice dropped", "conn", c.id, "type", n.Type)
	}
}
