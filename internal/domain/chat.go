package domain

import (
	"context"
	"strings"
)

const (
	GameChannelPrefix   = "game:"
	TwitchChannelPrefix = "twitch:"
)

// ChatMessage is a free-text message from a chat-style transport. Channel is
// session scoped, see GameChannel and TwitchChannel.
type ChatMessage struct {
	SenderID string
	Channel  string
	Text     string
}

// PresenceEvent reports how many participants are connected to a channel.
type PresenceEvent struct {
	Channel   string
	Occupancy int
}

func GameChannel(sessionID string) string { return GameChannelPrefix + sessionID }

func TwitchChannel(broadcasterID string) string { return TwitchChannelPrefix + broadcasterID }

// ParseGameChannel extracts the session ID from a game channel name.
func ParseGameChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, GameChannelPrefix)
	return id, ok && id != ""
}

// ParseTwitchChannel extracts the broadcaster ID from a Twitch channel name.
func ParseTwitchChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, TwitchChannelPrefix)
	return id, ok && id != ""
}

// ChatSubscriber manages chat delivery for a broadcaster while one of their
// sessions is live.
type ChatSubscriber interface {
	Subscribe(ctx context.Context, broadcasterID string) error
	Unsubscribe(ctx context.Context, broadcasterID string) error
}
