package models

import "time"

// Attachment is an evidence file stored in the object bucket.
type Attachment struct {
	ID           int       `gorm:"primary_key" json:"id"`
	CarId        string    `gorm:"size:36;index;not null" json:"car_id"`
	ObjectKey    string    `gorm:"size:512;not null;unique" json:"object_key"`
	DocumentUrl  string    `gorm:"size:1024;not null" json:"document_url"`
	ThumbnailUrl *string   `gorm:"size:1024" json:"thumbnail_url"`
	FileName     string    `gorm:"size:255" json:"file_name"`
	MimeType     string    `gorm:"size:255" json:"mime_type"`
	SizeBytes    int64     `json:"size_bytes"`
	UploadedBy   string    `gorm:"size:255" json:"uploaded_by"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}
