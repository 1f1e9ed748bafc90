package game

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoster_BalancedAlternatesTeams(t *testing.T) {
	r := NewRoster(AssignBalanced, "one", "two")

	assert.Equal(t, 0, r.Assign("p1"))
	assert.Equal(t, 1, r.Assign("p2"))
	assert.Equal(t, 0, r.Assign("p3"))
	assert.Equal(t, []int{2, 1}, r.Sizes())
}

func TestRoster_AssignmentIsPermanent(t *testing.T) {
	r := NewRoster(AssignBalanced, "one", "two")

	first := r.Assign("p1")
	r.Assign("p2")
	r.Assign("p3")

	assert.Equal(t, first, r.Assign("p1"))
	team, ok := r.TeamOf("p1")
	assert.True(t, ok)
	assert.Equal(t, first, team)
	assert.Equal(t, []int{2, 1}, r.Sizes(), "repeat assignment must not grow a team")
}

func TestRoster_FirstTeamPolicy(t *testing.T) {
	r := NewRoster(AssignFirstTeam, "one", "two")

	for i := range 5 {
		assert.Equal(t, 0, r.Assign(fmt.Sprintf("p%d", i)))
	}
	assert.Equal(t, []int{5, 0}, r.Sizes())
}

func TestRoster_UnknownPlayer(t *testing.T) {
	r := NewRoster(AssignBalanced, "one", "two")

	_, ok := r.TeamOf("nobody")
	assert.False(t, ok)
}

func TestRoster_ConcurrentAssignStaysBalanced(t *testing.T) {
	r := NewRoster(AssignBalanced, "one", "two")

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Go(func() { r.Assign(fmt.Sprintf("p%d", i)) })
	}
	wg.Wait()

	assert.Equal(t, []int{50, 50}, r.Sizes())
}
