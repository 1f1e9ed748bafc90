package game

import "sync"

// AssignPolicy decides which team a new participant joins.
type AssignPolicy int

const (
	// AssignBalanced puts a newcomer on the smallest team, ties going to the
	// team declared first.
	AssignBalanced AssignPolicy = iota
	// AssignFirstTeam puts everyone on the first team.
	AssignFirstTeam
)

const assignmentPolicy = AssignBalanced

type Team struct {
	ID      int
	Name    string
	Players []string
}

// Roster assigns participants to a fixed set of teams. Assignments are permanent
// for the roster's lifetime.
type Roster struct {
	policy AssignPolicy

	mu       sync.Mutex
	teams    []*Team
	byPlayer map[string]int
}

func NewRoster(policy AssignPolicy, names ...string) *Roster {
	teams := make([]*Team, len(names))
	for i, name := range names {
		teams[i] = &Team{ID: i, Name: name}
	}
	return &Roster{
		policy:   policy,
		teams:    teams,
		byPlayer: make(map[string]int),
	}
}

// Assign returns the team of playerID, assigning one on first sight.
func (r *Roster) Assign(playerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPlayer[playerID]; ok {
		return id
	}

	id := r.pick()
	r.teams[id].Players = append(r.teams[id].Players, playerID)
	r.byPlayer[playerID] = id
	return id
}

func (r *Roster) pick() int {
	if r.policy == AssignFirstTeam {
		return 0
	}

	smallest := 0
	for i, t := range r.teams {
		if len(t.Players) < len(r.teams[smallest].Players) {
			smallest = i
		}
	}
	return smallest
}

func (r *Roster) TeamOf(playerID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPlayer[playerID]
	return id, ok
}

// Sizes returns the number of players per team, in team order.
func (r *Roster) Sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.teams))
	for i, t := range r.teams {
		sizes[i] = len(t.Players)
	}
	return sizes
}
