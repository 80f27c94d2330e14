// Package gateway orchestrates the parley-gateway server components.
//
// # Overview
//
// The gateway package wires the messaging core to the network. It owns the
// SQLite store, the user directory and its syncer, the realtime broker, the
// presence tracker, the dispatch queue and the conversation service, and it
// runs the HTTP and gRPC servers.
//
// # HTTP API
//
// Every /api route and the realtime endpoints require an identity (see
// package auth):
//
//   - GET /api/users - Directory with online flags
//   - GET /api/online-users - Ids of connected users
//   - GET /api/conversations - Requester's conversations with messages
//   - POST /api/conversations - Find or create a conversation
//   - DELETE /api/conversations/{id} - Delete a conversation
//   - GET /api/conversations/{id}/messages - Ordered history
//   - POST /api/messages - Send; answers 202 once accepted
//   - POST /api/system/messages - Workflow trigger (admin)
//   - GET /api/directory/status - Last directory sync (admin)
//   - GET /health - Liveness check
//   - GET /health/ready - Store ping
//
// Service errors map onto status codes: validation 400, forbidden 403,
// not found 404, conflict 409, identity provider unavailable 503.
//
// # Realtime
//
// GET /ws upgrades to a WebSocket. Outbound frames are broker events from the
// user's personal, notification and presence topics. Inbound frames are send
// requests:
//
//	{"receiverId": "bob", "content": "Hi", "clientMessageId": "c-1"}
//
// Each is answered with an ack or error frame. Inbound frames are rate
// limited per connection.
//
// GET /api/events streams the same events as Server-Sent Events for clients
// that only listen.
//
// Both endpoints count as presence connections for their lifetime.
//
// # gRPC
//
// When server.grpc_addr is set, a gRPC server exposes grpc.health.v1 for
// load balancers and orchestrators.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx)  // blocks until ctx is canceled
//
// Shutdown stops the servers, drains accepted sends, then closes the broker
// and the store.
package gateway
