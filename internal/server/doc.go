// Package server wires the coordinator process together.
//
// # Overview
//
// New is the composition root. It opens the SQLite store, builds the metrics
// registry and the event bus, constructs the Coordinator, the health
// Publisher and the channel Server, and registers the configured agents. Run
// serves until the context ends and then shuts everything down in reverse
// order.
//
// # HTTP API
//
// Public routes:
//
//	GET  /health                 health report, 503 when unhealthy
//	GET  /health/live            liveness probe
//	GET  /ws                     observer channel (authenticates in-band)
//	GET  /metrics                Prometheus scrape, when metrics.enabled
//
// Routes under /api require a bearer token when auth.jwt_secret is set:
//
//	GET  /api/status
//	GET  /api/agents
//	GET  /api/agents/{name}/metrics
//	GET  /api/workflows          ?status=active
//	POST /api/workflows          {"name", "steps", "run"}
//	GET  /api/workflows/history  ?status=&limit=
//	GET  /api/workflows/{id}
//	POST /api/workflows/{id}/advance
//	POST /api/workflows/{id}/run
//	POST /api/workflows/{id}/cancel
//
// Routes under /api/admin additionally require the admin role:
//
//	POST   /api/admin/agents/restart-all
//	POST   /api/admin/agents/{name}/restart
//	GET    /api/admin/audit
//	GET    /api/admin/connections
//	POST   /api/admin/tokens
//	PUT    /api/admin/roles/{principal}/{role}
//	DELETE /api/admin/roles/{principal}/{role}
//
// # gRPC
//
// When server.grpc_addr is set a gRPC server exposes grpc.health.v1 without
// auth, plus channelz and reflection behind the same token check. The serving
// status of the "counsel.Coordinator" service drops to NOT_SERVING whenever a
// published health report is unhealthy.
//
// # Tailscale
//
// With tailscale.enabled the listeners come from a tsnet node instead of
// TCP. Funnel exposes HTTPS on :443; otherwise HTTP listens on :80 of the
// tailnet address.
package server
