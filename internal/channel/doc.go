// Package channel is the real-time observer channel.
//
// # Protocol
//
// Observers connect over WebSocket and exchange {type, payload, timestamp}
// frames. The first frame must be auth, carrying either a token or the
// session token from an earlier welcome. A known session is resumed with its
// rooms; an unknown or expired one needs a token again.
//
// After auth a client may subscribe to and unsubscribe from the rooms
// metrics, agent-updates and admin (admin role only), ask for a status
// report, or, as an admin, send restart-agent and restart-all commands.
// Commands carrying a request_id are answered once; repeats inside the
// replay window get the remembered result.
//
// # Backpressure
//
// Every push goes through the connection's Breaker. After Threshold
// consecutive failures it opens and holds only the newest event. After the
// cooldown one probe is attempted: success closes the breaker, failure
// reopens it with a doubled cooldown up to MaxCooldown. A connection that
// fails MaxProbeFailures probes in a row receives disconnected with reason
// circuit_open and is closed. None of this is visible to event producers.
package channel
