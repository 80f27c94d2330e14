// ABOUTME: Topic naming for the realtime broker
// ABOUTME: One delivery and one notification topic per user, a shared presence topic, optional per-conversation topics

package broker

import "strconv"

// PresenceTopic carries {userId, online} changes for every connected client.
const PresenceTopic = "/topic/online"

const (
	personalPrefix     = "/topic/group/"
	notificationPrefix = "/topic/notification/"
	conversationPrefix = "/topic/conversation/"
)

// PersonalTopic is where messages addressed to userID are delivered.
// Group messages are published once per recipient.
func PersonalTopic(userID string) string {
	return personalPrefix + userID
}

// NotificationTopic carries badge and pop-up events for userID.
func NotificationTopic(userID string) string {
	return notificationPrefix + userID
}

// ConversationTopic carries every message of one conversation. It supplements
// the per-user topics and never replaces them.
func ConversationTopic(conversationID int64) string {
	return conversationPrefix + strconv.FormatInt(conversationID, 10)
}

// UserTopics returns the topics a user's realtime connection subscribes to.
func UserTopics(userID string) []string {
	return []string{PersonalTopic(userID), NotificationTopic(userID), PresenceTopic}
}
