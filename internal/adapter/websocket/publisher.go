package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/pscheid92/crowdpad/internal/adapter/metrics"
	"github.com/pscheid92/crowdpad/internal/domain"
)

type inputUpdate struct {
	SessionID string    `json:"sessionId"`
	PlayerID  string    `json:"playerId"`
	Button    string    `json:"button"`
	Phase     string    `json:"phase"`
	Channel   int       `json:"channel"`
	Direction string    `json:"direction"`
	CreatedAt time.Time `json:"createdAt"`
}

// Publisher pushes hardware inputs to the session's game channel.
type Publisher struct {
	node      *centrifuge.Node
	wsMetrics *metrics.WebSocketMetrics
}

var _ domain.InputPublisher = (*Publisher)(nil)

func NewPublisher(node *centrifuge.Node, wsMetrics *metrics.WebSocketMetrics) *Publisher {
	return &Publisher{node: node, wsMetrics: wsMetrics}
}

func (p *Publisher) PublishInput(_ context.Context, input domain.HardwareInput) error {
	data, err := json.Marshal(inputUpdate{
		SessionID: input.SessionID,
		PlayerID:  input.PlayerID,
		Button:    string(input.Button),
		Phase:     string(input.Phase),
		Channel:   int(input.Channel),
		Direction: string(input.Direction),
		CreatedAt: input.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal input update: %w", err)
	}

	channel := domain.GameChannel(input.SessionID)
	if _, err := p.node.Publish(channel, data); err != nil {
		return fmt.Errorf("publish to channel %s: %w", channel, err)
	}

	if p.wsMetrics != nil {
		p.wsMetrics.MessagesPublished.Inc()
	}
	return nil
}
