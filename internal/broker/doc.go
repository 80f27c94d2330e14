// Package broker is the in-memory publish/subscribe layer used for realtime
// delivery.
//
// The topic space is per user: PersonalTopic carries messages addressed to a
// user and NotificationTopic carries badge/pop-up events, so a group message
// is published once per recipient. PresenceTopic is shared by every client.
// ConversationTopic is an optional extra stream keyed by conversation.
//
// Delivery is best effort and at most once. Publish never blocks; a
// subscriber whose buffer is full misses the event and is expected to re-read
// history on reconnect.
package broker
