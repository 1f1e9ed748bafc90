package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/game"
	"github.com/pscheid92/crowdpad/internal/platform/correlation"
)

const (
	DefaultActivityWindow = 60 * time.Second

	integrationTimeout = 5 * time.Second
	chatSubTimeout     = 15 * time.Second
)

const (
	SourceHTTP   = "http"
	SourceChat   = "chat"
	SourceSocket = "socket"
)

type Config struct {
	Game           game.Config
	ActivityWindow time.Duration
}

type entry struct {
	session       *game.Session
	broadcasterID string
	// signals feeds the session's actuator worker so engage and release reach
	// the actuator in flush order without blocking the dispatch loop.
	signals chan domain.HardwareInput
}

// Orchestrator owns every running game session. It follows the session change
// feed to start and retire sessions, tracks the recently active player count
// from the activity feed and routes presses, chat messages and presence
// changes to the right session.
type Orchestrator struct {
	sessions  domain.SessionFeed
	activity  domain.ActivityFeed
	actuator  domain.Actuator
	inputs    domain.InputRecorder
	publisher domain.InputPublisher
	chat      domain.ChatSubscriber
	clock     clockwork.Clock
	cfg       Config
	metrics   *metrics.ArbitrationMetrics

	mu           sync.RWMutex
	registry     map[string]*entry
	broadcasters map[string]string // broadcaster ID → session ID

	recentlyActive atomic.Int64

	subMu      sync.Mutex
	subscribed bool
	live       atomic.Bool
	cancel     context.CancelFunc
	feedWg     sync.WaitGroup
	workWg     sync.WaitGroup
}

// NewOrchestrator wires the orchestrator. publisher, chat and m may be nil.
func NewOrchestrator(
	sessions domain.SessionFeed,
	activity domain.ActivityFeed,
	actuator domain.Actuator,
	inputs domain.InputRecorder,
	publisher domain.InputPublisher,
	chat domain.ChatSubscriber,
	clock clockwork.Clock,
	cfg Config,
	m *metrics.ArbitrationMetrics,
) *Orchestrator {
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = DefaultActivityWindow
	}
	return &Orchestrator{
		sessions:     sessions,
		activity:     activity,
		actuator:     actuator,
		inputs:       inputs,
		publisher:    publisher,
		chat:         chat,
		clock:        clock,
		cfg:          cfg,
		metrics:      m,
		registry:     make(map[string]*entry),
		broadcasters: make(map[string]string),
	}
}

// Subscribe starts consuming the session change feed and the activity feed.
// Both subscriptions live until Unsubscribe.
func (o *Orchestrator) Subscribe(ctx context.Context) error {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	if o.subscribed {
		return fmt.Errorf("orchestrator: %w", domain.ErrAlreadySubscribed)
	}

	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	changes, err := o.sessions.WatchSessions(feedCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch sessions: %w", err)
	}

	snapshots, err := o.activity.WatchActivity(feedCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch activity: %w", err)
	}

	o.cancel = cancel
	o.subscribed = true
	o.live.Store(true)

	o.feedWg.Go(func() {
		for change := range changes {
			o.handleChange(correlation.WithID(feedCtx, correlation.NewID()), change)
		}
		if feedCtx.Err() == nil {
			slog.Warn("Session change feed closed")
		}
	})

	o.feedWg.Go(func() {
		for snap := range snapshots {
			o.handleActivity(snap)
		}
		if feedCtx.Err() == nil {
			slog.Warn("Activity feed closed")
		}
	})

	slog.Info("Orchestrator subscribed to session and activity feeds")
	return nil
}

func (o *Orchestrator) handleChange(ctx context.Context, change domain.SessionChange) {
	id := change.Session.ID
	slog.DebugContext(ctx, "Session change", "session_id", id, "change", change.Type.String())

	switch change.Type {
	case domain.ChangeAdded, domain.ChangeModified:
		o.ensureSession(ctx, change.Session)
	case domain.ChangeRemoved:
		o.retireSession(ctx, id)
	}
}

// ensureSession registers and starts a session unless it already runs. An
// existing session only has its broadcaster mapping refreshed.
func (o *Orchestrator) ensureSession(ctx context.Context, rec domain.GameSession) {
	o.mu.Lock()
	if e, ok := o.registry[rec.ID]; ok {
		prev := e.broadcasterID
		o.setBroadcasterLocked(e, rec.ID, rec.BroadcasterID)
		o.mu.Unlock()
		o.syncChat(ctx, prev, rec.BroadcasterID)
		return
	}

	e := &entry{
		session: game.NewSession(rec.ID, o.clock, o.cfg.Game, o.metrics),
		signals: make(chan domain.HardwareInput, 2*max(o.cfg.Game.QueueMax, 1)),
	}
	o.registry[rec.ID] = e
	o.setBroadcasterLocked(e, rec.ID, rec.BroadcasterID)
	count := len(o.registry)
	o.mu.Unlock()

	o.workWg.Go(func() { o.drive(e.signals) })
	e.session.Start(o.flushFunc(e))

	if o.metrics != nil {
		o.metrics.ActiveSessions.Set(float64(count))
	}
	slog.InfoContext(ctx, "Game session registered", "session_id", rec.ID, "broadcaster_id", rec.BroadcasterID, "active_sessions", count)

	o.syncChat(ctx, "", rec.BroadcasterID)
}

func (o *Orchestrator) setBroadcasterLocked(e *entry, sessionID, broadcasterID string) {
	if e.broadcasterID == broadcasterID {
		return
	}
	if e.broadcasterID != "" && o.broadcasters[e.broadcasterID] == sessionID {
		delete(o.broadcasters, e.broadcasterID)
	}
	e.broadcasterID = broadcasterID
	if broadcasterID != "" {
		o.broadcasters[broadcasterID] = sessionID
	}
}

func (o *Orchestrator) retireSession(ctx context.Context, id string) {
	o.mu.Lock()
	e, ok := o.registry[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.registry, id)
	prev := e.broadcasterID
	o.setBroadcasterLocked(e, id, "")
	count := len(o.registry)
	o.mu.Unlock()

	e.session.Stop()
	close(e.signals)

	if o.metrics != nil {
		o.metrics.ActiveSessions.Set(float64(count))
	}
	slog.InfoContext(ctx, "Game session retired", "session_id", id, "active_sessions", count)

	o.syncChat(ctx, prev, "")
}

// syncChat moves the chat subscription from prev to next in the background.
func (o *Orchestrator) syncChat(ctx context.Context, prev, next string) {
	if o.chat == nil || prev == next {
		return
	}

	o.mu.RLock()
	_, prevInUse := o.broadcasters[prev]
	o.mu.RUnlock()

	o.workWg.Go(func() {
		subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chatSubTimeout)
		defer cancel()

		if prev != "" && !prevInUse {
			if err := o.chat.Unsubscribe(subCtx, prev); err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
				slog.ErrorContext(subCtx, "Chat unsubscribe failed", "broadcaster_id", prev, "error", err)
			}
		}
		if next != "" {
			if err := o.chat.Subscribe(subCtx, next); err != nil && !errors.Is(err, domain.ErrAlreadySubscribed) {
				slog.ErrorContext(subCtx, "Chat subscribe failed", "broadcaster_id", next, "error", err)
			}
		}
	})
}

func (o *Orchestrator) handleActivity(snap domain.ActivitySnapshot) {
	count := snap.CountSince(o.clock.Now().Add(-o.cfg.ActivityWindow))
	if o.metrics != nil {
		o.metrics.ActivePlayers.Set(float64(count))
	}
	o.recentlyActive.Store(int64(count))
}

// RecentlyActive returns the player count computed from the latest activity snapshot.
func (o *Orchestrator) RecentlyActive() int {
	return int(o.recentlyActive.Load())
}

func (o *Orchestrator) flushFunc(e *entry) game.FlushFunc {
	return func(_ context.Context, input domain.HardwareInput) error {
		select {
		case e.signals <- input:
			return nil
		default:
			return fmt.Errorf("actuator backlog full for session %s", input.SessionID)
		}
	}
}

// drive sends queued signals to the actuator in order. Persistence and live
// publication run alongside and never hold up the next signal.
func (o *Orchestrator) drive(signals <-chan domain.HardwareInput) {
	for input := range signals {
		ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout)
		if err := o.actuator.SendSignal(ctx, input.Channel, input.Direction); err != nil {
			slog.Error("Actuator signal failed", "session_id", input.SessionID, "channel", int(input.Channel), "direction", string(input.Direction), "error", err)
		}
		cancel()

		o.workWg.Go(func() { o.record(input) })
	}
}

func (o *Orchestrator) record(input domain.HardwareInput) {
	ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout)
	defer cancel()

	if err := o.inputs.RecordInput(ctx, input); err != nil {
		slog.Error("Failed to record hardware input", "session_id", input.SessionID, "player_id", input.PlayerID, "button", string(input.Button), "error", err)
	}

	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishInput(ctx, input); err != nil {
		slog.Warn("Failed to publish hardware input", "session_id", input.SessionID, "error", err)
	}
}

func (o *Orchestrator) lookup(sessionID string) (*game.Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.registry[sessionID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Press forwards a capture to its session. Captures for sessions that are not
// being arbitrated fail with domain.ErrSessionNotActive; callers are expected
// to have checked the session before pressing.
func (o *Orchestrator) Press(ctx context.Context, capture domain.Capture, playerID string) (domain.PressResult, error) {
	return o.press(ctx, SourceHTTP, capture, playerID)
}

func (o *Orchestrator) press(ctx context.Context, source string, capture domain.Capture, playerID string) (domain.PressResult, error) {
	session, ok := o.lookup(capture.SessionID)
	if !ok {
		slog.ErrorContext(ctx, "Press for session that is not arbitrated", "session_id", capture.SessionID, "player_id", playerID, "source", source)
		o.countPress(source, domain.PressRejected)
		return domain.PressRejected, fmt.Errorf("press for session %s: %w", capture.SessionID, domain.ErrSessionNotActive)
	}

	capture.ActivePlayers = o.RecentlyActive()
	res := session.Press(ctx, capture, playerID)
	o.countPress(source, res)
	return res, nil
}

func (o *Orchestrator) countPress(source string, res domain.PressResult) {
	if o.metrics != nil {
		o.metrics.Presses.WithLabelValues(source, res.String()).Inc()
	}
}

// resolveChannel maps a game: or twitch: channel to a registered session ID.
func (o *Orchestrator) resolveChannel(channel string) (string, bool) {
	if id, ok := domain.ParseGameChannel(channel); ok {
		return id, true
	}
	if broadcasterID, ok := domain.ParseTwitchChannel(channel); ok {
		o.mu.RLock()
		defer o.mu.RUnlock()
		id, ok := o.broadcasters[broadcasterID]
		return id, ok
	}
	return "", false
}

// OnChatMessage turns the first button named in a chat message into a press.
// Messages for channels without a running session are rejected quietly.
func (o *Orchestrator) OnChatMessage(ctx context.Context, msg domain.ChatMessage) (domain.PressResult, error) {
	source := SourceSocket
	if _, ok := domain.ParseTwitchChannel(msg.Channel); ok {
		source = SourceChat
	}

	button, ok := MatchButton(msg.Text)
	if !ok {
		o.countPress(source, domain.PressNoMatch)
		return domain.PressNoMatch, nil
	}

	sessionID, ok := o.resolveChannel(msg.Channel)
	if !ok {
		slog.DebugContext(ctx, "Chat message for unknown channel", "channel", msg.Channel)
		o.countPress(source, domain.PressRejected)
		return domain.PressRejected, nil
	}
	if _, ok := o.lookup(sessionID); !ok {
		o.countPress(source, domain.PressRejected)
		return domain.PressRejected, nil
	}

	return o.press(ctx, source, domain.Capture{
		SessionID:  sessionID,
		PlayerID:   msg.SenderID,
		Button:     button,
		Phase:      domain.PhasePress,
		CapturedAt: o.clock.Now(),
	}, msg.SenderID)
}

// OnPresence switches a session to direct control when a single participant
// is connected and back to crowd voting when more join. Zero occupancy leaves
// the mode unchanged.
func (o *Orchestrator) OnPresence(ctx context.Context, ev domain.PresenceEvent) {
	sessionID, ok := o.resolveChannel(ev.Channel)
	if !ok {
		return
	}
	session, ok := o.lookup(sessionID)
	if !ok {
		return
	}

	slog.DebugContext(ctx, "Presence changed", "session_id", sessionID, "occupancy", ev.Occupancy)
	switch {
	case ev.Occupancy == 1:
		session.DisableVote()
	case ev.Occupancy > 1:
		session.EnableVote()
	}
}

func (o *Orchestrator) EnableVote(sessionID string) error {
	session, ok := o.lookup(sessionID)
	if !ok {
		return fmt.Errorf("enable vote for session %s: %w", sessionID, domain.ErrSessionNotActive)
	}
	session.EnableVote()
	return nil
}

func (o *Orchestrator) DisableVote(sessionID string) error {
	session, ok := o.lookup(sessionID)
	if !ok {
		return fmt.Errorf("disable vote for session %s: %w", sessionID, domain.ErrSessionNotActive)
	}
	session.DisableVote()
	return nil
}

func (o *Orchestrator) SessionStats(sessionID string) (game.Stats, error) {
	session, ok := o.lookup(sessionID)
	if !ok {
		return game.Stats{}, fmt.Errorf("stats for session %s: %w", sessionID, domain.ErrSessionNotActive)
	}
	return session.Stats(), nil
}

// ActiveSessions returns the IDs of all running sessions, sorted.
func (o *Orchestrator) ActiveSessions() []string {
	o.mu.RLock()
	ids := make([]string, 0, len(o.registry))
	for id := range o.registry {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Active reports whether the orchestrator is subscribed, i.e. whether this
// instance currently arbitrates.
func (o *Orchestrator) Active() bool {
	return o.live.Load()
}

// LiveBroadcasters returns the broadcasters of running sessions, sorted. The
// second result is false while the orchestrator is not subscribed, in which
// case the list says nothing about which chat subscriptions are wanted.
func (o *Orchestrator) LiveBroadcasters() ([]string, bool) {
	if !o.live.Load() {
		return nil, false
	}

	o.mu.RLock()
	ids := make([]string, 0, len(o.broadcasters))
	for id := range o.broadcasters {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	slices.Sort(ids)
	return ids, true
}

// Unsubscribe ends both feed subscriptions, stops every session and waits for
// outstanding actuator and persistence work. Chat subscriptions are left in
// place for the next process. Safe to call more than once.
func (o *Orchestrator) Unsubscribe() {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	if !o.subscribed {
		return
	}
	o.subscribed = false
	o.live.Store(false)

	o.cancel()
	o.feedWg.Wait()

	o.mu.Lock()
	entries := make([]*entry, 0, len(o.registry))
	for _, e := range o.registry {
		entries = append(entries, e)
	}
	clear(o.registry)
	clear(o.broadcasters)
	o.mu.Unlock()

	for _, e := range entries {
		e.session.Stop()
		close(e.signals)
	}
	o.workWg.Wait()

	if o.metrics != nil {
		o.metrics.ActiveSessions.Set(0)
	}
	slog.Info("Orchestrator unsubscribed", "stopped_sessions", len(entries))
}
