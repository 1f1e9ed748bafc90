package postgres

import (
	"testing"
	"time"

	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestExtractSSLMode(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"postgres://u:p@localhost:5432/db?sslmode=disable", "disable"},
		{"postgres://u:p@localhost:5432/db?sslmode=Require", "require"},
		{"postgres://u:p@localhost:5432/db", "prefer (default)"},
		{"://bad", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractSSLMode(tt.url), tt.url)
	}
}

func TestQueryName(t *testing.T) {
	assert.Equal(t, "SELECT", queryName("select id from game_sessions"))
	assert.Equal(t, "INSERT", queryName("\n\t\tINSERT INTO hardware_inputs"))
	assert.Equal(t, "unknown", queryName("   "))
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	visible := map[string]domain.GameSession{
		"open":     {ID: "open", State: domain.SessionActive},
		"later":    {ID: "later", State: domain.SessionActive, ExpiresAt: &future},
		"gone":     {ID: "gone", State: domain.SessionActive, ExpiresAt: &past},
		"finished": {ID: "finished", State: domain.SessionEnded},
	}

	changes := expired(visible, now)

	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		assert.Equal(t, domain.ChangeRemoved, c.Type)
		ids = append(ids, c.Session.ID)
	}
	assert.ElementsMatch(t, []string{"gone", "finished"}, ids)
	assert.Len(t, visible, 2)
	assert.Contains(t, visible, "open")
	assert.Contains(t, visible, "later")
}
