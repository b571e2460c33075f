package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/workflow"
)

func validCreateBody() map[string]any {
	return map[string]any{
		"department":    "Laboratory",
		"source":        "Internal Audit",
		"iso_clause":    "8.5.1",
		"date_of_audit": "2024-02-27",
		"statement":     "Reagent log not signed",
		"evidence":      "Log pages 3 to 5 unsigned",
		"reference":     "LAB-SOP-12",
		"issued_by":     []string{"Ana Reyes"},
		"date_issued":   "2024-03-01",
	}
}

func seedCar(ts *testServer, id string, status models.CarStatus) models.Car {
	car := models.Car{
		ID:          id,
		Department:  "Laboratory",
		Source:      models.SourceInternalAudit,
		DateOfAudit: "2024-02-27",
		Statement:   "Reagent log not signed",
		Evidence:    "Log pages 3 to 5 unsigned",
		Reference:   "LAB-SOP-12",
		IssuedBy:    "Ana Reyes",
		DateIssued:  "2024-03-01",
		DueDate:     "2024-12-31",
		Status:      status,
		Version:     1,
	}
	ts.repo.put(car)
	return car
}

func TestCreateCarRequiresQA(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/cars", "ana", validCreateBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("qa create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var car models.Car
	decodeData(t, w, &car)
	if car.Status != models.CarStatusOpen || car.ID == "" {
		t.Fatalf("unexpected car: %+v", car)
	}

	w = ts.do(http.MethodPost, "/cars", "ben", validCreateBody())
	if w.Code != http.StatusForbidden {
		t.Fatalf("section create: expected 403, got %d", w.Code)
	}
}

func TestCreateCarValidation(t *testing.T) {
	ts := newTestServer(t)
	body := validCreateBody()
	delete(body, "statement")
	body["date_issued"] = "01/03/2024"

	w := ts.do(http.MethodPost, "/cars", "ana", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "statement") {
		t.Fatalf("expected statement in fields: %s", w.Body.String())
	}
}

func TestCarRoutesRequireSession(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(http.MethodGet, "/cars", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGetCarNotFound(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(http.MethodGet, "/cars/missing", "ana", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTransitionUnknownVerb(t *testing.T) {
	ts := newTestServer(t)
	seedCar(ts, "car-1", models.CarStatusResponded)
	if w := ts.do(http.MethodPost, "/cars/car-1/transitions/approve", "ana", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTransitionReturn(t *testing.T) {
	ts := newTestServer(t)
	seedCar(ts, "car-1", models.CarStatusResponded)

	w := ts.do(http.MethodPost, "/cars/car-1/transitions/return", "ana", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("return without remarks: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(http.MethodPost, "/cars/car-1/transitions/return", "ben", map[string]any{"remarks": "missing RCA"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("section return: expected 403, got %d", w.Code)
	}

	w = ts.do(http.MethodPost, "/cars/car-1/transitions/return", "ana", map[string]any{"remarks": "missing RCA"})
	if w.Code != http.StatusOK {
		t.Fatalf("return: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var car models.Car
	decodeData(t, w, &car)
	if car.Status != models.CarStatusReturned || car.ReturnRemarks != "missing RCA" || !car.IsReturned {
		t.Fatalf("unexpected car after return: %+v", car)
	}

	w = ts.do(http.MethodGet, "/cars/car-1/trail", "ana", nil)
	var trail []models.AuditTrail
	decodeData(t, w, &trail)
	if len(trail) != 1 || trail[0].Action != models.AuditActionPlanReturned {
		t.Fatalf("unexpected trail: %+v", trail)
	}
}

func TestTransitionCommitFailures(t *testing.T) {
	ts := newTestServer(t)
	seedCar(ts, "car-1", models.CarStatusResponded)

	ts.repo.failNext = models.ErrStaleVersion
	w := ts.do(http.MethodPost, "/cars/car-1/transitions/accept", "ana", nil)
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), "conflict, reload") {
		t.Fatalf("stale: expected 409 conflict, got %d: %s", w.Code, w.Body.String())
	}

	ts.repo.failNext = errors.New("connection refused")
	w = ts.do(http.MethodPost, "/cars/car-1/transitions/accept", "ana", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("collaborator: expected 503, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(http.MethodPost, "/cars/car-1/transitions/accept", "ana", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeleteCarRequiresSuperUser(t *testing.T) {
	root := session{username: "root", name: "Root", role: models.UserRoleQA, superUser: true}
	ts := newTestServer(t, root)
	seedCar(ts, "car-1", models.CarStatusOpen)

	if w := ts.do(http.MethodDelete, "/cars/car-1", "ana", nil); w.Code != http.StatusForbidden {
		t.Fatalf("plain qa delete: expected 403, got %d", w.Code)
	}
	if w := ts.do(http.MethodDelete, "/cars/car-1", "root", nil); w.Code != http.StatusNoContent {
		t.Fatalf("super user delete: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := ts.do(http.MethodGet, "/cars/car-1", "root", nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted car: expected 404, got %d", w.Code)
	}
}

func TestListCarsFilters(t *testing.T) {
	ts := newTestServer(t)
	seedCar(ts, "car-1", models.CarStatusOpen)
	seedCar(ts, "car-2", models.CarStatusClosed)

	w := ts.do(http.MethodGet, "/cars?status=open", "ana", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var items []carListItem
	decodeData(t, w, &items)
	if len(items) != 1 || items[0].ID != "car-1" {
		t.Fatalf("unexpected items: %+v", items)
	}

	for _, q := range []string{"status=DONE", "late=maybe", "department=Kitchen", "sort=colour"} {
		if w := ts.do(http.MethodGet, "/cars?"+q, "ana", nil); w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d", q, w.Code)
		}
	}
}

func TestListCarsIncludeRegistry(t *testing.T) {
	ts := newTestServer(t)
	seedCar(ts, "car-1", models.CarStatusOpen)
	ts.api.loadRegistry = func(_ context.Context, carId string) ([]*models.RegistryEntry, error) {
		return []*models.RegistryEntry{{ID: 7, CarId: carId, Status: models.RegistryStatusOpen}}, nil
	}

	w := ts.do(http.MethodGet, "/cars?include=registry", "ana", nil)
	var items []carListItem
	decodeData(t, w, &items)
	if len(items) != 1 || len(items[0].Registry) != 1 || items[0].Registry[0].ID != 7 {
		t.Fatalf("unexpected items: %+v", items)
	}

	ts.api.loadRegistry = func(context.Context, string) ([]*models.RegistryEntry, error) {
		return nil, errors.New("loader down")
	}
	if w := ts.do(http.MethodGet, "/cars?include=registry", "ana", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("loader failure: expected 503, got %d", w.Code)
	}
}

func TestCarRecord(t *testing.T) {
	ts := newTestServer(t)
	seedCar(ts, "car-open", models.CarStatusOpen)
	closed := seedCar(ts, "car-closed", models.CarStatusClosed)

	if w := ts.do(http.MethodGet, "/cars/car-open/record", "ana", nil); w.Code != http.StatusConflict {
		t.Fatalf("open car record: expected 409, got %d", w.Code)
	}

	w := ts.do(http.MethodGet, "/cars/car-closed/record", "ana", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("closed car record: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if w.Body.String() != workflow.RenderCarRecord(closed).Text() {
		t.Fatalf("record body differs from rendered record")
	}

	w = ts.do(http.MethodGet, "/cars/car-closed/record?format=json", "ana", nil)
	var record workflow.CarRecord
	decodeData(t, w, &record)
	if record.CarId != "car-closed" || len(record.Pages) == 0 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestDownloadBackup(t *testing.T) {
	ts := newTestServer(t)
	seedCar(ts, "car-1", models.CarStatusOpen)

	if w := ts.do(http.MethodGet, "/backup/cars.xlsx", "ben", nil); w.Code != http.StatusForbidden {
		t.Fatalf("section backup: expected 403, got %d", w.Code)
	}
	w := ts.do(http.MethodGet, "/backup/cars.xlsx", "ana", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("qa backup: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != workflow.BackupContentType {
		t.Fatalf("unexpected content type %q", w.Header().Get("Content-Type"))
	}
	// xlsx is a zip archive.
	if !strings.HasPrefix(w.Body.String(), "PK") {
		t.Fatalf("backup is not a zip archive")
	}
}

func TestListRegistryRejectsUnknownStatus(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(http.MethodGet, "/registry?status=Pending", "ana", nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/registry?status=Open", "ana", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

type fakeSuggester struct {
	remedial   []string
	corrective []string
	err        error
	gotCauses  []string
}

func (f *fakeSuggester) SuggestRemedialActions(context.Context, string, string) ([]string, error) {
	return f.remedial, f.err
}

func (f *fakeSuggester) SuggestCorrectiveActions(_ context.Context, rootCauses []string) ([]string, error) {
	f.gotCauses = rootCauses
	return f.corrective, f.err
}

func TestSuggestions(t *testing.T) {
	ts := newTestServer(t)
	car := seedCar(ts, "car-1", models.CarStatusOpen)
	car.RootCauses = []models.RootCause{{ID: "rc-1", Cause: "no sign-off step"}}
	ts.repo.put(car)

	w := ts.do(http.MethodPost, "/cars/car-1/suggestions/remedial", "ben", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"available":false`) {
		t.Fatalf("unconfigured: expected available=false, got %d: %s", w.Code, w.Body.String())
	}

	fake := &fakeSuggester{remedial: []string{"Sign pending pages"}, corrective: []string{"Add sign-off to SOP"}}
	ts.api.suggest = fake
	w = ts.do(http.MethodPost, "/cars/car-1/suggestions/corrective", "ben", nil)
	var got []string
	decodeData(t, w, &got)
	if len(got) != 1 || got[0] != "Add sign-off to SOP" || !strings.Contains(w.Body.String(), `"available":true`) {
		t.Fatalf("unexpected corrective suggestions: %s", w.Body.String())
	}
	if len(fake.gotCauses) != 1 || fake.gotCauses[0] != "no sign-off step" {
		t.Fatalf("unexpected root causes sent: %v", fake.gotCauses)
	}

	fake.err = errors.New("upstream 503")
	w = ts.do(http.MethodPost, "/cars/car-1/suggestions/remedial", "ben", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"available":false`) {
		t.Fatalf("failing service: expected available=false, got %d: %s", w.Code, w.Body.String())
	}
}
