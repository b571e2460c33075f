package models

import "time"

// AuditTrail is one immutable entry per CAR transition.
type AuditTrail struct {
	ID        string      `gorm:"primaryKey;size:36" json:"id"`
	CarId     string      `gorm:"size:36;index:idx_audit_car_created,priority:1;not null" json:"car_id"`
	UserName  string      `gorm:"size:255;not null" json:"user_name"`
	UserRole  string      `gorm:"size:20" json:"user_role"`
	Action    AuditAction `gorm:"size:40;index;not null" json:"action"`
	Details   string      `gorm:"type:text" json:"details,omitempty"`
	CreatedAt time.Time   `gorm:"index:idx_audit_car_created,priority:2;index;not null" json:"created_at"`
}

const (
	DefaultGlobalTrailLimit = 50
	MaxGlobalTrailLimit     = 500
)

func ClampTrailLimit(limit int) int {
	if limit <= 0 {
		return DefaultGlobalTrailLimit
	}
	if limit > MaxGlobalTrailLimit {
		return MaxGlobalTrailLimit
	}
	return limit
}
