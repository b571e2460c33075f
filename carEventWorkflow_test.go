package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
	"github.com/mmdatafocus/qms_backend/workflow"
)

func closedCarEvent(t *testing.T) config.CarEventMessage {
	t.Helper()
	car := models.Car{
		ID:         "car-9",
		Department: "Pharmacy",
		Source:     models.SourceDOH,
		Statement:  "Expired stock on shelf",
		Status:     models.CarStatusClosed,
		DateIssued: "2024-01-05",
	}
	snapshot, err := json.Marshal(car)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return config.CarEventMessage{
		ID:       3,
		CarId:    car.ID,
		Action:   string(models.AuditActionValidatedAndClosed),
		UserName: "Dana",
		Snapshot: snapshot,
	}
}

func TestConsumerWritesRecordOnClose(t *testing.T) {
	objects := newMemObjects()
	consumer := &carEventConsumer{objects: objects, logger: quietLogger()}
	m := closedCarEvent(t)

	if err := consumer.Handle(context.Background(), m); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	data, ok := objects.objects[workflow.RecordObjectKey("car-9")]
	if !ok {
		t.Fatalf("record not written")
	}
	if !strings.Contains(string(data), "Expired stock on shelf") {
		t.Fatalf("record missing statement: %s", data)
	}
	if _, ok := objects.objects[BackupObjectKey]; ok {
		t.Fatalf("backup written without BACKUP_ON_EVENT")
	}
}

func TestConsumerBackupOnEvent(t *testing.T) {
	objects := newMemObjects()
	calls := 0
	consumer := &carEventConsumer{
		objects: objects,
		backup: func(context.Context) ([]byte, error) {
			calls++
			return []byte("PK-backup"), nil
		},
		backupOnEvent: true,
		logger:        quietLogger(),
	}
	m := config.CarEventMessage{ID: 1, CarId: "car-1", Action: string(models.AuditActionCarCreated)}

	if err := consumer.Handle(context.Background(), m); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 1 || string(objects.objects[BackupObjectKey]) != "PK-backup" {
		t.Fatalf("backup not stored: calls=%d", calls)
	}
	if objects.types[BackupObjectKey] != workflow.BackupContentType {
		t.Fatalf("unexpected backup content type %q", objects.types[BackupObjectKey])
	}
	if len(objects.objects) != 1 {
		t.Fatalf("only the backup should be written for a non-closing event")
	}
}

func TestConsumerStorageErrors(t *testing.T) {
	objects := newMemObjects()
	objects.writeErr = errStorageDisabled
	consumer := &carEventConsumer{objects: objects, logger: quietLogger()}
	if err := consumer.Handle(context.Background(), closedCarEvent(t)); err != nil {
		t.Fatalf("disabled storage should be skipped, got %v", err)
	}

	objects.writeErr = errors.New("bucket unreachable")
	if err := consumer.Handle(context.Background(), closedCarEvent(t)); err == nil {
		t.Fatalf("expected upload error")
	}

	bad := closedCarEvent(t)
	bad.Snapshot = []byte("{")
	objects.writeErr = nil
	if err := consumer.Handle(context.Background(), bad); err == nil {
		t.Fatalf("expected snapshot decode error")
	}
}

func TestProcessMessageWithoutDatabase(t *testing.T) {
	consumer := &carEventConsumer{objects: newMemObjects(), logger: quietLogger()}
	dead, err := ProcessMessage(context.Background(), quietLogger(), consumer, closedCarEvent(t))
	if err == nil || dead {
		t.Fatalf("expected retryable error, got dead=%v err=%v", dead, err)
	}
}

func pushBody(t *testing.T, data []byte) []byte {
	t.Helper()
	var msg PubSubMessage
	msg.Message.ID = "pubsub-1"
	msg.Message.Data = data
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	return raw
}

func TestCarEventPubSubHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	valid, _ := json.Marshal(config.CarEventMessage{ID: 4, CarId: "car-1", Action: "CAR_CREATED"})
	missing, _ := json.Marshal(config.CarEventMessage{CarId: "car-1"})

	cases := []struct {
		name      string
		body      []byte
		dead      bool
		err       error
		want      int
		wantCalls int
	}{
		{"malformed envelope", []byte("nope"), false, nil, http.StatusNoContent, 0},
		{"malformed data", pushBody(t, []byte("{")), false, nil, http.StatusNoContent, 0},
		{"missing fields", pushBody(t, missing), false, nil, http.StatusNoContent, 0},
		{"success", pushBody(t, valid), false, nil, http.StatusNoContent, 1},
		{"retryable", pushBody(t, valid), false, errors.New("transient"), http.StatusInternalServerError, 1},
		{"dead", pushBody(t, valid), true, errors.New("gave up"), http.StatusNoContent, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			var gotCorrelation, gotName string
			process := func(ctx context.Context, m config.CarEventMessage) (bool, error) {
				calls++
				gotCorrelation, _ = utils.GetCorrelationIdFromContext(ctx)
				gotName, _ = utils.GetUserNameFromContext(ctx)
				return tc.dead, tc.err
			}
			r := gin.New()
			r.POST("/pubsub", carEventPubSubHandler(quietLogger(), process))

			req := httptest.NewRequest(http.MethodPost, "/pubsub", bytes.NewReader(tc.body))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			if calls != tc.wantCalls {
				t.Fatalf("expected %d process calls, got %d", tc.wantCalls, calls)
			}
			if calls > 0 && (gotCorrelation != "pubsub-1" || gotName != "System") {
				t.Fatalf("unexpected system context: correlation=%q name=%q", gotCorrelation, gotName)
			}
		})
	}
}

func TestCarMutexIsPerCar(t *testing.T) {
	if carMutex("a") != carMutex("a") {
		t.Fatalf("same car should share a mutex")
	}
	if carMutex("a") == carMutex("b") {
		t.Fatalf("different cars should not share a mutex")
	}
}

func TestOutboxProcessBackoff(t *testing.T) {
	cfg := outboxProcessRetryConfig{maxAttempts: 5, baseBackoff: 5 * time.Second, maxBackoff: time.Minute}
	cases := map[int]time.Duration{
		0: 5 * time.Second,
		1: 5 * time.Second,
		2: 10 * time.Second,
		4: 40 * time.Second,
		5: time.Minute,
		9: time.Minute,
	}
	for attempt, want := range cases {
		if got := outboxProcessBackoff(attempt, cfg); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestOutboxProcessRetryConfigFromEnv(t *testing.T) {
	t.Setenv("OUTBOX_PROCESS_MAX_ATTEMPTS", "3")
	t.Setenv("OUTBOX_PROCESS_BASE_BACKOFF_SECONDS", "2")
	t.Setenv("OUTBOX_PROCESS_MAX_BACKOFF_SECONDS", "bad")

	cfg := getOutboxProcessRetryConfig()
	if cfg.maxAttempts != 3 || cfg.baseBackoff != 2*time.Second || cfg.maxBackoff != 10*time.Minute {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestReplayUpdatesResetsBothSides(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	u := replayUpdates(now)
	if u["publish_status"] != models.OutboxPublishStatusFailed || u["processing_status"] != models.OutboxProcessStatusPending {
		t.Fatalf("unexpected statuses: %+v", u)
	}
	if u["publish_attempts"] != 0 || u["process_attempts"] != 0 || u["is_processed"] != false {
		t.Fatalf("counters not reset: %+v", u)
	}
}

func TestOutboxReplayRequiresSuperUser(t *testing.T) {
	ts := newTestServer(t)
	ts.router.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	if w := ts.do(http.MethodPost, "/internal/ops/outbox/replay", "ana", map[string]any{"record_id": 1}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}
