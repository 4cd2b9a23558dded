package fanout

import "strings"

// Topic names a query whose result may change, e.g. "messages:<conv>".
type Topic string

const (
	KindConversations = "conversations"
	KindMessages      = "messages"
	KindPresence      = "presence"
)

func ConversationsTopic(userID string) Topic {
	return Topic(KindConversations + ":" + userID)
}

func MessagesTopic(conversationID string) Topic {
	return Topic(KindMessages + ":" + conversationID)
}

func PresenceTopic(userID string) Topic {
	return Topic(KindPresence + ":" + userID)
}

// Kind returns the part of the topic before the first colon.
func (t Topic) Kind() string {
	if i := strings.IndexByte(string(t), ':'); i >= 0 {
		return string(t[:i])
	}
	return string(t)
}
