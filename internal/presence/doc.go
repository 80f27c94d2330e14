// Package presence tracks which users currently hold a realtime connection.
//
// A Tracker is an owned component: the gateway constructs one at start,
// transports call Connect/Disconnect from their connection lifecycle, and the
// gateway closes it at shutdown. Changes are published as {userId, online}
// on broker.PresenceTopic.
//
// ModeEdge (default) counts connections so a user with several tabs goes
// offline only when the last one closes, and events fire only on 0<->1
// transitions. ModeEvery keeps plain set semantics and publishes on every
// call, for clients that expect a presence event per connection.
package presence
