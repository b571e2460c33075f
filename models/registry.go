package models

import "time"

// RegistryEntry records a section that missed its CAR response deadline.
type RegistryEntry struct {
	ID               int            `gorm:"primary_key" json:"id"`
	CarId            string         `gorm:"size:36;index:idx_registry_car_status,priority:1;not null" json:"car_id"`
	Section          Department     `gorm:"size:100;index;not null" json:"section"`
	RequiredDocument string         `gorm:"size:100;not null" json:"required_document"`
	OriginalDueDate  string         `gorm:"size:10;not null" json:"original_due_date"`
	Status           RegistryStatus `gorm:"size:10;index:idx_registry_car_status,priority:2;not null" json:"status"`
	DateSubmitted    *string        `gorm:"size:10" json:"date_submitted"`
	DateClosed       *string        `gorm:"size:10" json:"date_closed"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// NewRegistryEntry builds the Open entry for a CAR that just became late.
func NewRegistryEntry(car Car) RegistryEntry {
	return RegistryEntry{
		CarId:            car.ID,
		Section:          car.Department,
		RequiredDocument: RequiredDocumentCarResponse,
		OriginalDueDate:  car.DueDate,
		Status:           RegistryStatusOpen,
	}
}

type RegistryFilter struct {
	Status RegistryStatus `form:"status"`
	CarId  string         `form:"car_id"`
}
