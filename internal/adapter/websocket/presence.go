package websocket

import "sync"

// presenceTracker counts the clients subscribed to each channel on this node.
type presenceTracker struct {
	mu       sync.Mutex
	channels map[string]map[string]struct{}
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{channels: make(map[string]map[string]struct{})}
}

func (p *presenceTracker) join(channel, clientID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	clients, ok := p.channels[channel]
	if !ok {
		clients = make(map[string]struct{})
		p.channels[channel] = clients
	}
	clients[clientID] = struct{}{}
	return len(clients)
}

// leave returns the remaining occupancy, or false if the client was not there.
func (p *presenceTracker) leave(channel, clientID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	clients, ok := p.channels[channel]
	if !ok {
		return 0, false
	}
	if _, ok := clients[clientID]; !ok {
		return 0, false
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(p.channels, channel)
	}
	return len(clients), true
}

func (p *presenceTracker) member(channel, clientID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.channels[channel][clientID]
	return ok
}
