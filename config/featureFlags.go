package config

import (
	"os"
	"strings"
	"time"
)

// UndoValidationRestoresOutcome makes Undo Validation restore INEFFECTIVE for
// CARs that were verified ineffective. Default reverts every CAR to VERIFIED.
//
// Set via env:
// - UNDO_VALIDATION_RESTORES_OUTCOME=true
func UndoValidationRestoresOutcome() bool {
	return boolFromEnv("UNDO_VALIDATION_RESTORES_OUTCOME")
}

// BackupOnEvent uploads a fresh spreadsheet backup after each consumed CAR event.
//
// Set via env:
// - BACKUP_ON_EVENT=true
func BackupOnEvent() bool {
	return boolFromEnv("BACKUP_ON_EVENT")
}

// OutboxDirectProcessing processes outbox rows in-process instead of publishing to Pub/Sub.
// Intended for local development without a Pub/Sub emulator.
//
// Set via env:
// - OUTBOX_DIRECT_PROCESSING=true
func OutboxDirectProcessing() bool {
	return boolFromEnv("OUTBOX_DIRECT_PROCESSING")
}

// AppLocation is the calendar used to compute "today" for due dates and lateness.
// Defaults to Asia/Manila; an unknown zone falls back to UTC.
//
// Set via env:
// - APP_TIMEZONE=Asia/Manila
func AppLocation() *time.Location {
	name := strings.TrimSpace(os.Getenv("APP_TIMEZONE"))
	if name == "" {
		name = "Asia/Manila"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
