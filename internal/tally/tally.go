// Package tally counts button votes in fixed-length rounds and picks one winner
// per round.
package tally

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/domain"
)

const (
	DefaultRoundInterval = 122 * time.Millisecond
	DefaultMaxVotes      = 400
)

// Result is the outcome of a closed round.
type Result struct {
	Button domain.Button
	Voter  string // first participant who voted for Button this round
	Votes  int
	Total  int
}

type Config struct {
	RoundInterval time.Duration
	MaxVotes      int
	// Priority breaks ties between buttons with the same count. Buttons missing
	// from Priority can be voted for but never win. Defaults to domain.ButtonPriority.
	Priority []domain.Button
}

// Tally is the vote counter for one team. Votes and round closing are
// serialized behind a mutex, so a round is reset atomically with respect to
// concurrent Vote calls.
type Tally struct {
	clock    clockwork.Clock
	interval time.Duration
	maxVotes int
	priority []domain.Button

	mu      sync.Mutex
	counts  map[domain.Button]int
	voters  map[domain.Button]string
	total   int
	direct  bool
	onRound func(Result)

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(clock clockwork.Clock, cfg Config) *Tally {
	if cfg.RoundInterval <= 0 {
		cfg.RoundInterval = DefaultRoundInterval
	}
	if cfg.MaxVotes <= 0 {
		cfg.MaxVotes = DefaultMaxVotes
	}
	if len(cfg.Priority) == 0 {
		cfg.Priority = domain.ButtonPriority
	}

	return &Tally{
		clock:    clock,
		interval: cfg.RoundInterval,
		maxVotes: cfg.MaxVotes,
		priority: cfg.Priority,
		counts:   make(map[domain.Button]int),
		voters:   make(map[domain.Button]string),
		stopCh:   make(chan struct{}),
	}
}

// Vote records a vote for button by voter. It returns false once the round
// total has reached the vote cap; the vote is recorded either way.
//
// In direct mode the vote skips counting and is emitted as a winner at once.
func (t *Tally) Vote(button domain.Button, voter string) bool {
	t.mu.Lock()
	if t.direct {
		emit := t.onRound
		t.mu.Unlock()
		if emit != nil {
			emit(Result{Button: button, Voter: voter, Votes: 1, Total: 1})
		}
		return true
	}

	t.counts[button]++
	if _, ok := t.voters[button]; !ok {
		t.voters[button] = voter
	}
	t.total++
	accepted := t.total < t.maxVotes
	t.mu.Unlock()

	return accepted
}

// CloseRound picks the winner of the current round and starts a new one. A
// button only takes the lead with a strictly greater count, so ties go to the
// button listed first in the priority order. An empty round has no winner.
func (t *Tally) CloseRound() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var winner domain.Button
	best := 0
	for _, b := range t.priority {
		if c := t.counts[b]; c > best {
			winner, best = b, c
		}
	}

	var res Result
	if best > 0 {
		res = Result{Button: winner, Voter: t.voters[winner], Votes: best, Total: t.total}
	}

	clear(t.counts)
	clear(t.voters)
	t.total = 0

	return res, best > 0
}

// Start begins closing rounds every interval and hands each winner to onRound.
// onRound runs on the tally's loop goroutine and must not call Stop.
// Calling Start more than once has no effect.
func (t *Tally) Start(onRound func(Result)) {
	t.startOnce.Do(func() {
		t.mu.Lock()
		t.onRound = onRound
		t.mu.Unlock()

		ticker := t.clock.NewTicker(t.interval)
		t.wg.Go(func() {
			defer ticker.Stop()
			for {
				select {
				case <-t.stopCh:
					return
				case <-ticker.Chan():
					if res, ok := t.CloseRound(); ok {
						onRound(res)
					}
				}
			}
		})
	})
}

// Stop cancels the round timer and returns once the loop has exited.
func (t *Tally) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}

// EnableVoting switches back to crowd voting.
func (t *Tally) EnableVoting() {
	t.mu.Lock()
	t.direct = false
	t.mu.Unlock()
}

// DisableVoting switches to direct mode. Votes already counted this round are
// still closed out by the next tick.
func (t *Tally) DisableVoting() {
	t.mu.Lock()
	t.direct = true
	t.mu.Unlock()
}

func (t *Tally) Voting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.direct
}

// Total returns the number of votes cast in the current round.
func (t *Tally) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
