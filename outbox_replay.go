package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/workflow"
)

type outboxReplayRequest struct {
	RecordId int `json:"record_id"`
}

// outboxReplayHandler re-queues an outbox row that went DEAD on either the
// publish or the consume side. QA super users only.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := actorFromContext(c.Request.Context())
		if actor.Role != models.UserRoleQA || !actor.IsSuperUser {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "record_id is required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		res := db.WithContext(c.Request.Context()).
			Model(&models.CarEventRecord{}).
			Where("id = ?", req.RecordId).
			Updates(replayUpdates(now))
		if res.Error != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": res.Error.Error()})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "outbox record not found"})
			return
		}

		// Let the consumer run again for this record.
		_ = workflow.ClearCarEventKeys(db.WithContext(c.Request.Context()), req.RecordId)

		c.JSON(http.StatusOK, gin.H{
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func replayUpdates(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"publish_status":          models.OutboxPublishStatusFailed,
		"publish_attempts":        0,
		"next_attempt_at":         &now,
		"last_publish_error":      nil,
		"processing_status":       models.OutboxProcessStatusPending,
		"is_processed":            false,
		"process_attempts":        0,
		"next_process_attempt_at": nil,
		"last_process_error":      nil,
		"locked_at":               nil,
		"locked_by":               nil,
	}
}
