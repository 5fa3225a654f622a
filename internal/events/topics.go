package events

import "github.com/noah-isme/hostpay/internal/payment"

var knownTopics = map[payment.EventType]struct{}{
	payment.EventConfirmed: {},
	payment.EventFailed:    {},
	payment.EventExpired:   {},
	payment.EventRefunded:  {},
	payment.EventConflict:  {},
}

// DefaultTopics returns the lifecycle topics the bus accepts.
func DefaultTopics() []payment.EventType {
	return []payment.EventType{
		payment.EventConfirmed,
		payment.EventFailed,
		payment.EventExpired,
		payment.EventRefunded,
		payment.EventConflict,
	}
}

// IsKnownTopic reports whether t is a lifecycle topic.
func IsKnownTopic(t payment.EventType) bool {
	_, ok := knownTopics[t]
	return ok
}
