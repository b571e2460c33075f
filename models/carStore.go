package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CarStore is the MySQL repository for CARs and what hangs off them.
type CarStore struct {
	DB *gorm.DB
}

func NewCarStore(db *gorm.DB) *CarStore {
	return &CarStore{DB: db}
}

func (s *CarStore) GetCar(ctx context.Context, id string) (*Car, error) {
	var car Car
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&car).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	car.Normalize()
	return &car, nil
}

func (s *CarStore) ListCars(ctx context.Context, filter CarFilter) ([]Car, error) {
	var cars []Car
	if err := filter.Scope(s.DB.WithContext(ctx)).Order("created_at DESC").Find(&cars).Error; err != nil {
		return nil, err
	}
	for i := range cars {
		cars[i].Normalize()
	}
	return cars, nil
}

func (s *CarStore) HasReissue(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&Car{}).Where("reissued_from_id = ?", id).Count(&count).Error
	return count > 0, err
}

// Commit persists a CarChange atomically: the car row (version checked),
// the re-issued car, audit entries with one outbox event each, and registry changes.
func (s *CarStore) Commit(ctx context.Context, ch CarChange) error {
	writeCtx := ctx
	if ch.StatusChanged {
		writeCtx = config.WithStatusTransition(ctx)
	}
	return s.DB.WithContext(writeCtx).Transaction(func(tx *gorm.DB) error {
		switch {
		case ch.Insert:
			if err := tx.Create(&ch.Car).Error; err != nil {
				return err
			}
		case ch.Delete:
			// CAR_DELETED and its event are written before the row goes away.
			if err := s.writeAudit(ctx, tx, ch); err != nil {
				return err
			}
			res := tx.Where("id = ? AND version = ?", ch.Car.ID, ch.ExpectedVersion).Delete(&Car{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrStaleVersion
			}
			return tx.Where("car_id = ?", ch.Car.ID).Delete(&Attachment{}).Error
		default:
			if ch.OpenRegistry {
				var locked Car
				if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Select("id", "version").Where("id = ?", ch.Car.ID).Take(&locked).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return utils.ErrorRecordNotFound
					}
					return err
				}
			}
			if err := updateCar(tx, ch); err != nil {
				return err
			}
		}

		if ch.Reissued != nil {
			if err := tx.Create(ch.Reissued).Error; err != nil {
				return err
			}
		}
		if ch.OpenRegistry {
			if err := openRegistry(tx, ch.Car); err != nil {
				return err
			}
		}
		if ch.CloseRegistry {
			if err := closeRegistry(tx, ch.Car.ID, ch.Today); err != nil {
				return err
			}
		}
		return s.writeAudit(ctx, tx, ch)
	})
}

func updateCar(tx *gorm.DB, ch CarChange) error {
	car := ch.Car
	car.Version = ch.ExpectedVersion + 1
	q := tx.Model(&Car{}).
		Where("id = ? AND version = ?", car.ID, ch.ExpectedVersion).
		Select("*").
		Omit("id", "created_at")
	if !ch.StatusChanged {
		q = q.Omit("id", "created_at", "status")
	}
	res := q.Updates(&car)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (s *CarStore) writeAudit(ctx context.Context, tx *gorm.DB, ch CarChange) error {
	if len(ch.Audit) == 0 {
		return nil
	}
	if err := tx.Create(&ch.Audit).Error; err != nil {
		return err
	}
	events := make([]CarEventRecord, 0, len(ch.Audit))
	for _, entry := range ch.Audit {
		ev, err := NewCarEventRecord(ctx, entry, ch.snapshotFor(entry.CarId))
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	return tx.Create(&events).Error
}

func openRegistry(tx *gorm.DB, car Car) error {
	var open int64
	if err := tx.Model(&RegistryEntry{}).
		Where("car_id = ? AND status = ?", car.ID, RegistryStatusOpen).
		Count(&open).Error; err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	entry := NewRegistryEntry(car)
	return tx.Create(&entry).Error
}

func closeRegistry(tx *gorm.DB, carId string, today string) error {
	var entry RegistryEntry
	err := tx.Where("car_id = ? AND status = ?", carId, RegistryStatusOpen).
		Order("id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.Model(&RegistryEntry{}).Where("id = ?", entry.ID).Updates(map[string]interface{}{
		"status":         RegistryStatusClosed,
		"date_submitted": today,
		"date_closed":    today,
	}).Error
}

// OpenRegistry inserts an Open entry for car unless one is already open.
func (s *CarStore) OpenRegistry(ctx context.Context, car Car) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked Car
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").Where("id = ?", car.ID).Take(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		return openRegistry(tx, car)
	})
}

// CloseRegistry closes the most recent Open entry for the CAR. No-op when none is open.
func (s *CarStore) CloseRegistry(ctx context.Context, carId string, today string) error {
	return closeRegistry(s.DB.WithContext(ctx), carId, today)
}

func (s *CarStore) ListRegistry(ctx context.Context, filter RegistryFilter) ([]RegistryEntry, error) {
	var entries []RegistryEntry
	db := s.DB.WithContext(ctx)
	if filter.Status != "" {
		db = db.Where("status = ?", filter.Status)
	}
	if filter.CarId != "" {
		db = db.Where("car_id = ?", filter.CarId)
	}
	if err := db.Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// RegistryByCarIds groups registry entries by CAR, newest first. Used by the listing loader.
func (s *CarStore) RegistryByCarIds(ctx context.Context, carIds []string) (map[string][]RegistryEntry, error) {
	var entries []RegistryEntry
	if err := s.DB.WithContext(ctx).Where("car_id IN ?", carIds).
		Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]RegistryEntry, len(carIds))
	for _, e := range entries {
		out[e.CarId] = append(out[e.CarId], e)
	}
	return out, nil
}

// FetchTrail returns the CAR's audit entries newest first.
func (s *CarStore) FetchTrail(ctx context.Context, carId string) ([]AuditTrail, error) {
	var entries []AuditTrail
	if err := s.DB.WithContext(ctx).Where("car_id = ?", carId).
		Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// BackfillTrail inserts entry only if the CAR still has no audit entries.
// inserted=false means another reader repaired it first.
func (s *CarStore) BackfillTrail(ctx context.Context, entry AuditTrail) (inserted bool, err error) {
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked Car
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").Where("id = ?", entry.CarId).Take(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		var count int64
		if err := tx.Model(&AuditTrail{}).Where("car_id = ?", entry.CarId).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		inserted = true
		return tx.Create(&entry).Error
	})
	return inserted, err
}

func (s *CarStore) FetchGlobalTrail(ctx context.Context, limit int) ([]AuditTrail, error) {
	var entries []AuditTrail
	if err := s.DB.WithContext(ctx).Order("created_at DESC").Order("id DESC").
		Limit(ClampTrailLimit(limit)).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *CarStore) CreateAttachment(ctx context.Context, a *Attachment) error {
	return s.DB.WithContext(ctx).Create(a).Error
}

func (s *CarStore) AttachmentsByCarIds(ctx context.Context, carIds []string) (map[string][]Attachment, error) {
	var rows []Attachment
	if err := s.DB.WithContext(ctx).Where("car_id IN ?", carIds).
		Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]Attachment, len(carIds))
	for _, a := range rows {
		out[a.CarId] = append(out[a.CarId], a)
	}
	return out, nil
}
