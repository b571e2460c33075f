package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/utils"
)

// CarEventRecord is the transactional outbox row written in the same
// transaction as each audit entry. The dispatcher publishes it after commit.
type CarEventRecord struct {
	ID       int         `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	CarId    string      `gorm:"size:36;not null;index" json:"car_id"`
	Action   AuditAction `gorm:"size:40;not null" json:"action"`
	UserName string      `gorm:"size:255" json:"user_name"`
	UserRole string      `gorm:"size:20" json:"user_role"`
	Snapshot []byte      `gorm:"type:blob" json:"snapshot"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	IsProcessed          bool       `gorm:"index;not null;default:false" json:"is_processed"`
	ProcessingStatus     string     `gorm:"size:20;index;not null;default:'PENDING'" json:"processing_status"`
	ProcessAttempts      int        `gorm:"not null;default:0" json:"process_attempts"`
	NextProcessAttemptAt *time.Time `gorm:"index" json:"next_process_attempt_at"`
	LastProcessError     *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt          *time.Time `gorm:"index" json:"processed_at"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewCarEventRecord snapshots car for the audit entry.
// For CAR_DELETED the snapshot is the state immediately before removal.
func NewCarEventRecord(ctx context.Context, entry AuditTrail, car Car) (CarEventRecord, error) {
	snapshot, err := json.Marshal(car)
	if err != nil {
		return CarEventRecord{}, err
	}
	return CarEventRecord{
		CarId:            entry.CarId,
		Action:           entry.Action,
		UserName:         entry.UserName,
		UserRole:         entry.UserRole,
		Snapshot:         snapshot,
		PublishStatus:    OutboxPublishStatusPending,
		ProcessingStatus: OutboxProcessStatusPending,
		CorrelationId:    correlationIdFromContextOrNew(ctx),
	}, nil
}

func ConvertToCarEventMessage(record CarEventRecord) config.CarEventMessage {
	return config.CarEventMessage{
		ID:            record.ID,
		CarId:         record.CarId,
		Action:        string(record.Action),
		UserName:      record.UserName,
		UserRole:      record.UserRole,
		OccurredAt:    record.CreatedAt,
		Snapshot:      record.Snapshot,
		CorrelationId: record.CorrelationId,
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
