package models

import "errors"

// ErrStaleVersion means the CAR row no longer has the version the change was built from.
var ErrStaleVersion = errors.New("car was modified concurrently")

// CarChange is everything one lifecycle step writes. CarStore.Commit applies
// it in a single transaction; either all of it is persisted or none.
type CarChange struct {
	Car Car
	// Insert creates Car instead of updating it.
	Insert bool
	// ExpectedVersion is the version Car was loaded at. Ignored on insert.
	ExpectedVersion int
	// StatusChanged marks the write as a lifecycle transition for the status guard.
	StatusChanged bool
	Delete        bool
	Reissued      *Car
	Audit         []AuditTrail
	OpenRegistry  bool
	CloseRegistry bool
	// Today stamps registry closure dates.
	Today string
}

// snapshotFor returns the CAR state an audit entry's event should carry.
func (ch CarChange) snapshotFor(carId string) Car {
	if ch.Reissued != nil && ch.Reissued.ID == carId {
		return *ch.Reissued
	}
	return ch.Car
}
