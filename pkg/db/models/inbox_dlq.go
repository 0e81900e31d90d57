package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ordermesh/ordermesh-backend/pkg/enums"
)

// InboxDLQ stores poison messages a consumer gave up on, so they are
// acknowledged away from the topic without being silently dropped.
type InboxDLQ struct {
	ID           uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	MessageID    string               `gorm:"column:message_id;not null"`
	ConsumerName string               `gorm:"column:consumer_name;not null"`
	EventType    string               `gorm:"column:event_type"`
	Payload      json.RawMessage      `gorm:"column:payload;type:jsonb"`
	ErrorReason  enums.DLQErrorReason `gorm:"column:error_reason;not null"`
	ErrorMessage *string              `gorm:"column:error_message"`
	AttemptCount int                  `gorm:"column:attempt_count;not null;default:0"`
	FailedAt     time.Time            `gorm:"column:failed_at;autoCreateTime"`
}

func (InboxDLQ) TableName() string {
	return "inbox_dlq"
}
