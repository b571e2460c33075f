package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
	"github.com/mmdatafocus/qms_backend/workflow"
	"github.com/sirupsen/logrus"
)

// stubRepo is a small in-memory workflow.Repository for handler tests.
type stubRepo struct {
	mu          sync.Mutex
	cars        map[string]models.Car
	audit       []models.AuditTrail
	registry    []models.RegistryEntry
	attachments []models.Attachment
	failNext    error
}

func newStubRepo() *stubRepo {
	return &stubRepo{cars: map[string]models.Car{}}
}

func (r *stubRepo) put(car models.Car) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if car.Version == 0 {
		car.Version = 1
	}
	r.cars[car.ID] = car
}

func (r *stubRepo) GetCar(_ context.Context, id string) (*models.Car, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cars[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	out := c.Clone()
	return &out, nil
}

func (r *stubRepo) ListCars(_ context.Context, filter models.CarFilter) ([]models.Car, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Car
	for _, c := range r.cars {
		if filter.Matches(&c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *stubRepo) HasReissue(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cars {
		if c.ReissuedFromId != nil && *c.ReissuedFromId == id {
			return true, nil
		}
	}
	return false, nil
}

func (r *stubRepo) Commit(_ context.Context, ch models.CarChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	switch {
	case ch.Insert:
		r.cars[ch.Car.ID] = ch.Car.Clone()
	default:
		cur, ok := r.cars[ch.Car.ID]
		if !ok {
			return utils.ErrorRecordNotFound
		}
		if cur.Version != ch.ExpectedVersion {
			return models.ErrStaleVersion
		}
		if ch.Delete {
			delete(r.cars, ch.Car.ID)
		} else {
			next := ch.Car.Clone()
			next.Version = ch.ExpectedVersion + 1
			r.cars[next.ID] = next
		}
	}
	if ch.Reissued != nil {
		r.cars[ch.Reissued.ID] = ch.Reissued.Clone()
	}
	if ch.OpenRegistry {
		entry := models.NewRegistryEntry(ch.Car)
		entry.ID = len(r.registry) + 1
		r.registry = append(r.registry, entry)
	}
	r.audit = append(r.audit, ch.Audit...)
	return nil
}

func (r *stubRepo) FetchTrail(_ context.Context, carId string) ([]models.AuditTrail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditTrail
	for i := len(r.audit) - 1; i >= 0; i-- {
		if r.audit[i].CarId == carId {
			out = append(out, r.audit[i])
		}
	}
	return out, nil
}

func (r *stubRepo) BackfillTrail(_ context.Context, entry models.AuditTrail) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, entry)
	return true, nil
}

func (r *stubRepo) FetchGlobalTrail(_ context.Context, limit int) ([]models.AuditTrail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditTrail
	for i := len(r.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.audit[i])
	}
	return out, nil
}

func (r *stubRepo) ListRegistry(_ context.Context, filter models.RegistryFilter) ([]models.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RegistryEntry
	for _, e := range r.registry {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *stubRepo) CreateAttachment(_ context.Context, a *models.Attachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = len(r.attachments) + 1
	r.attachments = append(r.attachments, *a)
	return nil
}

// memObjects is an in-memory objectStore.
type memObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	writeErr error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) Sign(_ context.Context, objectKey, contentType string, expires time.Duration) (*utils.SignedUpload, error) {
	return &utils.SignedUpload{
		UploadURL: "https://storage.test/" + objectKey,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ObjectKey: objectKey,
		AccessURL: "https://cdn.test/" + objectKey,
		ExpiresAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(expires),
	}, nil
}

func (m *memObjects) Attrs(_ context.Context, objectKey string) (string, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectKey]
	if !ok {
		return "", 0, false, nil
	}
	return m.types[objectKey], int64(len(data)), true, nil
}

func (m *memObjects) Read(_ context.Context, objectKey string, _ int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectKey]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return data, nil
}

func (m *memObjects) Write(_ context.Context, objectKey string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.objects[objectKey] = append([]byte(nil), data...)
	m.types[objectKey] = contentType
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type session struct {
	username   string
	name       string
	role       models.UserRole
	department models.Department
	superUser  bool
	editMode   bool
}

var (
	qaSession      = session{username: "ana", name: "Ana Reyes", role: models.UserRoleQA}
	sectionSession = session{username: "ben", name: "Ben Cruz", role: models.UserRoleSection, department: "Laboratory"}
)

type testServer struct {
	repo    *stubRepo
	objects *memObjects
	api     *carAPI
	router  *gin.Engine
}

// newTestServer wires carAPI over stub collaborators. The X-Test-User header
// selects a session the way SessionMiddleware would.
func newTestServer(t *testing.T, sessions ...session) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := newStubRepo()
	objects := newMemObjects()
	n := 0
	machine := &workflow.Machine{NewID: func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}}
	now := func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	svc := workflow.NewService(repo, quietLogger(), workflow.WithClock(now), workflow.WithMachine(machine))
	api := newCarAPI(svc, repo, objects, nil, quietLogger())

	byName := map[string]session{}
	for _, s := range append([]session{qaSession, sectionSession}, sessions...) {
		byName[s.username] = s
	}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if s, ok := byName[c.GetHeader("X-Test-User")]; ok {
			ctx := utils.SetUsernameInContext(c.Request.Context(), s.username)
			ctx = utils.SetUserNameInContext(ctx, s.name)
			ctx = utils.SetUserRoleInContext(ctx, string(s.role))
			ctx = utils.SetDepartmentInContext(ctx, string(s.department))
			ctx = utils.SetIsSuperUserInContext(ctx, s.superUser)
			ctx = utils.SetEditModeInContext(ctx, s.editMode)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	})
	api.registerRoutes(r)
	return &testServer{repo: repo, objects: objects, api: api, router: r}
}

func (ts *testServer) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dest any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		t.Fatalf("decode data %q: %v", envelope.Data, err)
	}
}
