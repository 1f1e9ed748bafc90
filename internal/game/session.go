package game

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/dispatch"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/tally"
)

const (
	DefaultEngageDelay  = 10 * time.Millisecond
	DefaultReleaseDelay = 50 * time.Millisecond
)

var teamNames = []string{"one", "two"}

// State is the lifecycle state of a Session: Created → Running → Stopped.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Config struct {
	RoundInterval time.Duration
	MaxVotes      int
	QueueMax      int
	FlushInterval time.Duration
	EngageDelay   time.Duration
	ReleaseDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RoundInterval: tally.DefaultRoundInterval,
		MaxVotes:      tally.DefaultMaxVotes,
		QueueMax:      dispatch.DefaultMaxItems,
		FlushInterval: dispatch.DefaultFlushInterval,
		EngageDelay:   DefaultEngageDelay,
		ReleaseDelay:  DefaultReleaseDelay,
	}
}

// FlushFunc receives every hardware input when its queue item flushes. It runs
// on the queue loop and must hand slow work off instead of blocking.
type FlushFunc func(ctx context.Context, input domain.HardwareInput) error

type controller struct {
	pins  domain.PinMap
	tally *tally.Tally
	queue *dispatch.Queue

	mu      sync.Mutex
	engaged map[domain.Channel]int // flushed engages still awaiting their release
}

// Session arbitrates one game session: a tally and a dispatch queue per team,
// each team driving its own controller.
type Session struct {
	id      string
	cfg     Config
	clock   clockwork.Clock
	metrics *metrics.ArbitrationMetrics
	roster  *Roster

	controllers []*controller

	mu            sync.Mutex
	state         State
	direct        bool
	activePlayers int // as attached to the latest press
	onFlush       FlushFunc
}

// NewSession builds a session in the Created state. m may be nil.
func NewSession(id string, clock clockwork.Clock, cfg Config, m *metrics.ArbitrationMetrics) *Session {
	s := &Session{
		id:      id,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		roster:  NewRoster(assignmentPolicy, teamNames...),
	}

	for i := range teamNames {
		c := &controller{
			pins: domain.Controllers[i],
			tally: tally.New(clock, tally.Config{
				RoundInterval: cfg.RoundInterval,
				MaxVotes:      cfg.MaxVotes,
			}),
			engaged: make(map[domain.Channel]int),
		}
		c.queue = dispatch.New(id+"/"+teamNames[i], clock, dispatch.Config{
			MaxItems:      cfg.QueueMax,
			FlushInterval: cfg.FlushInterval,
			Salvage:       c.pendingReleases,
		})
		s.controllers = append(s.controllers, c)
	}

	return s
}

func (s *Session) ID() string { return s.id }

// Press validates a capture from playerID and counts it into the player's team
// tally. Captures for a stopped session are rejected.
func (s *Session) Press(ctx context.Context, capture domain.Capture, playerID string) domain.PressResult {
	s.mu.Lock()
	stopped := s.state == StateStopped
	if !stopped {
		s.activePlayers = capture.ActivePlayers
	}
	s.mu.Unlock()
	if stopped {
		return domain.PressRejected
	}

	if !validButton(capture.Button) {
		slog.WarnContext(ctx, "Invalid button", "session_id", s.id, "player_id", playerID, "button", string(capture.Button))
		return domain.PressInvalidButton
	}

	team := s.roster.Assign(playerID)
	if s.controllers[team].tally.Vote(capture.Button, playerID) {
		return domain.PressAccepted
	}

	slog.DebugContext(ctx, "Round saturated", "session_id", s.id, "team", team)
	return domain.PressSaturated
}

func validButton(b domain.Button) bool {
	for _, pins := range domain.Controllers {
		if _, ok := pins.Channel(b); ok {
			return true
		}
	}
	return false
}

// Start begins round closing on every team. Each winner becomes an engage item
// followed by a release item on the team's queue; both call onFlush when they
// flush. In direct mode the engage flushes as soon as the previous item has,
// otherwise it waits EngageDelay. Start only has an effect on a Created session.
func (s *Session) Start(onFlush FlushFunc) {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.onFlush = onFlush
	s.mu.Unlock()

	for _, c := range s.controllers {
		c.tally.Start(func(res tally.Result) { s.dispatch(c, res) })
	}

	slog.Info("Game session started", "session_id", s.id)
}

func (s *Session) dispatch(c *controller, res tally.Result) {
	if s.State() == StateStopped {
		return
	}

	channel, ok := c.pins.Channel(res.Button)
	if !ok {
		slog.Warn("Winning button has no channel", "session_id", s.id, "button", string(res.Button))
		return
	}

	if s.metrics != nil {
		s.metrics.RoundWinners.WithLabelValues(string(res.Button)).Inc()
	}

	engage := dispatch.Item{
		Channel:   channel,
		Direction: domain.DirectionEngage,
		Delay:     s.engageDelay(),
		OnFlush:   s.flushItem(c, res, domain.PhasePress, channel, domain.DirectionEngage),
	}
	release := dispatch.Item{
		Channel:   channel,
		Direction: domain.DirectionRelease,
		Delay:     s.cfg.ReleaseDelay,
		OnFlush:   s.flushItem(c, res, domain.PhaseRelease, channel, domain.DirectionRelease),
	}

	// The pair goes in as one batch so an overflow or a concurrent winner can
	// never separate an engage from its release.
	switch c.queue.Enqueue(engage, release) {
	case dispatch.Overflowed:
		if s.metrics != nil {
			s.metrics.QueueOverflows.Inc()
		}
	case dispatch.Stopped:
		return
	}
	c.queue.Run()
}

func (s *Session) flushItem(c *controller, res tally.Result, phase domain.Phase, channel domain.Channel, direction domain.Direction) func(context.Context) error {
	return func(ctx context.Context) error {
		c.track(channel, direction)

		s.mu.Lock()
		onFlush := s.onFlush
		s.mu.Unlock()

		input := domain.HardwareInput{
			SessionID: s.id,
			PlayerID:  res.Voter,
			Button:    res.Button,
			Phase:     phase,
			Channel:   channel,
			Direction: direction,
			CreatedAt: s.clock.Now(),
		}

		err := onFlush(ctx, input)
		if s.metrics != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			s.metrics.Flushes.WithLabelValues(result).Inc()
		}
		return err
	}
}

// track counts engages that reached the actuator so an overflow never drops
// the release that would free them.
func (c *controller) track(channel domain.Channel, direction domain.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch direction {
	case domain.DirectionEngage:
		c.engaged[channel]++
	case domain.DirectionRelease:
		if c.engaged[channel] > 0 {
			c.engaged[channel]--
		}
		if c.engaged[channel] == 0 {
			delete(c.engaged, channel)
		}
	}
}

// pendingReleases keeps, out of the items an overflow discards, one release per
// channel that is currently engaged.
func (c *controller) pendingReleases(discarded []dispatch.Item) []dispatch.Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	owed := make(map[domain.Channel]int, len(c.engaged))
	for ch, n := range c.engaged {
		owed[ch] = n
	}

	var kept []dispatch.Item
	for _, it := range discarded {
		if it.Direction == domain.DirectionRelease && owed[it.Channel] > 0 {
			kept = append(kept, it)
			owed[it.Channel]--
		}
	}
	return kept
}

func (s *Session) engageDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direct {
		return 0
	}
	return s.cfg.EngageDelay
}

// Stop cancels every timer and discards pending queue items. Later presses are
// rejected. Stop is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.mu.Unlock()

	for _, c := range s.controllers {
		c.tally.Stop()
	}
	for _, c := range s.controllers {
		c.queue.Stop()
	}

	slog.Info("Game session stopped", "session_id", s.id)
}

// EnableVote switches every team to crowd voting.
func (s *Session) EnableVote() {
	s.mu.Lock()
	s.direct = false
	s.mu.Unlock()

	for _, c := range s.controllers {
		c.tally.EnableVoting()
	}
	slog.Info("Crowd voting enabled", "session_id", s.id)
}

// DisableVote switches every team to direct control: each press is a winner
// and engages with no delay after the previous item.
func (s *Session) DisableVote() {
	s.mu.Lock()
	s.direct = true
	s.mu.Unlock()

	for _, c := range s.controllers {
		c.tally.DisableVoting()
	}
	slog.Info("Direct control enabled", "session_id", s.id)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type Stats struct {
	SessionID     string `json:"sessionId"`
	State         string `json:"state"`
	Voting        bool   `json:"voting"`
	TeamSizes     []int  `json:"teamSizes"`
	QueueLengths  []int  `json:"queueLengths"`
	RoundVotes    []int  `json:"roundVotes"`
	ActivePlayers int    `json:"activePlayers"`
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		SessionID:     s.id,
		State:         s.state.String(),
		Voting:        !s.direct,
		TeamSizes:     s.roster.Sizes(),
		ActivePlayers: s.activePlayers,
	}
	s.mu.Unlock()

	for _, c := range s.controllers {
		st.QueueLengths = append(st.QueueLengths, c.queue.Len())
		st.RoundVotes = append(st.RoundVotes, c.tally.Total())
	}
	return st
}
