package domain

import (
	"context"
	"time"
)

// Capture is one button press submitted by a participant.
type Capture struct {
	SessionID     string
	PlayerID      string
	Button        Button
	Phase         Phase
	ActivePlayers int
	CapturedAt    time.Time
}

// HardwareInput is one actuator signal produced by a winning round.
type HardwareInput struct {
	SessionID string
	PlayerID  string
	Button    Button
	Phase     Phase
	Channel   Channel
	Direction Direction
	CreatedAt time.Time
}

// Actuator drives a physical input line. SendSignal is idempotent per
// (channel, direction).
type Actuator interface {
	SendSignal(ctx context.Context, channel Channel, direction Direction) error
}

type InputRecorder interface {
	RecordInput(ctx context.Context, input HardwareInput) error
}

type CaptureRecorder interface {
	RecordCapture(ctx context.Context, capture Capture) error
}

// InputPublisher pushes hardware inputs to live session subscribers.
type InputPublisher interface {
	PublishInput(ctx context.Context, input HardwareInput) error
}

// PressResult describes what happened to a submitted press.
type PressResult int

const (
	PressAccepted      PressResult = iota // Counted into the current round
	PressSaturated                        // Counted, but the round reached its vote cap
	PressInvalidButton                    // Not a button on either controller
	PressNoMatch                          // Chat message carried no button token
	PressRejected                         // Session is stopped or not arbitrating
)

func (r PressResult) String() string {
	switch r {
	case PressAccepted:
		return "accepted"
	case PressSaturated:
		return "saturated"
	case PressInvalidButton:
		return "invalid_button"
	case PressNoMatch:
		return "no_match"
	case PressRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
