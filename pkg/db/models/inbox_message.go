package models

import "time"

// InboxMessage records a broker message that has already been applied by a
// consumer. The (message_id, consumer_name) pair is unique; absence of a row
// means "not yet processed". The row is inserted in the same transaction as
// the business effect, which is what turns at-least-once delivery into an
// effectively-exactly-once application.
type InboxMessage struct {
	MessageID    string    `gorm:"column:message_id;primaryKey"`
	ConsumerName string    `gorm:"column:consumer_name;primaryKey"`
	EventType    string    `gorm:"column:event_type"`
	ProcessedAt  time.Time `gorm:"column:processed_at;autoCreateTime"`
}

func (InboxMessage) TableName() string {
	return "inbox_messages"
}
