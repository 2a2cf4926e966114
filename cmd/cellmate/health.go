package main

import (
	"fmt"
	"time"

	"github.com/c360/cellmate/health"
	"github.com/c360/cellmate/responder"
)

const healthInterval = 5 * time.Second

func transportCheck(conn *connection) health.Check {
	return func() health.Status {
		if conn.Healthy() {
			return health.NewHealthy("transport", conn.kind+" connected")
		}
		return health.NewUnhealthy("transport", conn.kind+" disconnected")
	}
}

// responderCheck degrades once the request queue is three quarters full
func responderCheck(r *responder.Responder) health.Check {
	return func() health.Status {
		stats := r.Stats()
		msg := fmt.Sprintf("queue %d/%d, processed %d, dropped %d",
			stats.QueueDepth, stats.QueueSize, stats.Processed, stats.Dropped)
		if stats.QueueSize > 0 && stats.QueueDepth*4 >= stats.QueueSize*3 {
			return health.NewDegraded("responder", msg)
		}
		return health.NewHealthy("responder", msg)
	}
}
