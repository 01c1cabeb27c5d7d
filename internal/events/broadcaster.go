package events

import (
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// LogBroadcaster is the realtime fallback used when no websocket layer is
// wired in: events land in the structured log instead of on a socket.
type LogBroadcaster struct {
	logger    *log.Logger
	delivered atomic.Int64
}

func NewLogBroadcaster(logger *log.Logger) *LogBroadcaster {
	return &LogBroadcaster{logger: logger}
}

func (b *LogBroadcaster) Broadcast(eventName string, payload any) {
	b.delivered.Add(1)
	if b.logger != nil {
		b.logger.Debug("event", "name", eventName, "payload", payload)
	}
}

func (b *LogBroadcaster) ClientCount() int { return 0 }

// Delivered reports how many events have been broadcast.
func (b *LogBroadcaster) Delivered() int64 {
	return b.delivered.Load()
}
