// Package conversation implements the messaging core on top of the store.
//
// # Overview
//
// The package sits between the HTTP/WebSocket handlers and the store. It
// owns three pieces:
//
//   - Resolver: maps an exact member set to its single conversation
//   - MessageLog: validates and appends messages, lists ordered history
//   - Service: the externally visible API composing both with the user
//     directory, presence tracker, realtime broker and dispatch queue
//
// # Conversation Identity
//
// A conversation is identified by its member set. Two users share exactly
// one pair conversation and any larger set shares exactly one group:
//
//	conv, err := resolver.Resolve(ctx, conversation.ResolveRequest{
//	    MemberIDs: []string{"alice", "bob"},
//	})
//
// Sets are canonicalized with store.MemberKey. Concurrent resolves of the same
// set in one process collapse onto a single lookup-or-create; across processes
// the store's unique member key rejects the loser, which then re-reads the
// winner. When that re-read also fails, Resolve returns ErrConflict.
//
// # Sending
//
// Send validates synchronously and returns a Receipt once the work is queued:
//
//  1. Reject empty or over-long content (ErrValidation)
//  2. Check sender and receivers against the directory (store.ErrNotFound)
//  3. Suppress retries carrying the same client message id
//  4. Enqueue resolve, append and fan-out on the dispatch queue
//
// A Receipt means accepted, not persisted. Failures after acceptance are
// logged by the queue and never published. Recipients hear about a message
// only after it has been appended.
//
// # Fan-out
//
// Each recipient other than the sender gets a "message" event on its personal
// topic and a "notification" event on its notification topic. The message is
// also published once on the conversation topic.
//
// # Views
//
// ListConversations and ListMessages return per-requester views: the
// sender flag is set on the requester's own messages, pair conversations are
// titled with the other member's name, and timestamps are rendered as
// "Today, 3:04 PM" style strings. Content is also rendered to HTML with
// goldmark.
package conversation
