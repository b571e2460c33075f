package workflow

import (
	"errors"
	"strconv"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/qms_backend/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// carEventHandlerPrefix namespaces consumer keys; the action is appended.
const carEventHandlerPrefix = "car-event:"

// startedLease is how long a STARTED key blocks redelivery of the same record.
const startedLease = 5 * time.Minute

// EventKey identifies one consumer run of one outbox record.
type EventKey struct {
	Handler  string
	RecordId int
	CarId    string
}

func NewCarEventKey(recordId int, carId, action string) EventKey {
	return EventKey{Handler: carEventHandlerPrefix + action, RecordId: recordId, CarId: carId}
}

func (k EventKey) messageId() string { return strconv.Itoa(k.RecordId) }

func (k EventKey) where(tx *gorm.DB) *gorm.DB {
	return tx.Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", k.Handler, k.messageId())
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// resumeDecision says what to do with a key row left by an earlier delivery:
// skip it (already applied), refuse (another worker holds a fresh lease) or
// restart it.
func resumeDecision(existing models.IdempotencyKey, now time.Time) (skip bool, err error) {
	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		if now.Sub(existing.UpdatedAt) < startedLease {
			return false, ErrIdempotencyInProgress
		}
	}
	return false, nil
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil) meaning "skip safely".
func BeginIdempotency(tx *gorm.DB, key EventKey) (skip bool, err error) {
	row := models.IdempotencyKey{
		HandlerName: key.Handler,
		MessageId:   key.messageId(),
		CarId:       key.CarId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&row).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := key.where(tx).First(&existing).Error; err != nil {
		return false, err
	}
	if skip, err := resumeDecision(existing, time.Now()); skip || err != nil {
		return skip, err
	}
	return false, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, key EventKey) error {
	return key.where(tx).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, key EventKey, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return key.where(tx).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// ClearCarEventKeys forgets every consumer run of one outbox record so a
// replayed event is applied again.
func ClearCarEventKeys(tx *gorm.DB, recordId int) error {
	return tx.Where("handler_name LIKE ? AND message_id = ?", carEventHandlerPrefix+"%", strconv.Itoa(recordId)).
		Delete(&models.IdempotencyKey{}).Error
}
