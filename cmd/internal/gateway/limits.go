package gateway

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 256 << 10 // 256 KiB

	// Max live subscriptions per connection.
	maxSubscriptionsPerConn = 32
)

const (
	// Heartbeat defaults (can be overridden by env in config.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-user rate limits (cost units per window; see requestCost).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
