package app

import (
	"regexp"

	"github.com/pscheid92/crowdpad/internal/domain"
)

var buttonToken = regexp.MustCompile(`(?i)\b(up|down|left|right|start|select|a|b|x|y|l|r)\b`)

// MatchButton returns the first button named in text, case-insensitively.
func MatchButton(text string) (domain.Button, bool) {
	m := buttonToken.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return domain.ParseButton(m[1])
}
