package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
	"github.com/sirupsen/logrus"
)

// memRepo is an in-memory Repository with the same commit semantics as models.CarStore.
type memRepo struct {
	mu       sync.Mutex
	cars     map[string]models.Car
	audit    []models.AuditTrail
	registry []models.RegistryEntry
	commits  int
	failNext error
}

func newMemRepo() *memRepo {
	return &memRepo{cars: map[string]models.Car{}}
}

func (r *memRepo) GetCar(_ context.Context, id string) (*models.Car, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cars[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	out := c.Clone()
	return &out, nil
}

func (r *memRepo) ListCars(_ context.Context, filter models.CarFilter) ([]models.Car, error) {
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

func (r *memRepo) HasReissue(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cars {
		if c.ReissuedFromId != nil && *c.ReissuedFromId == id {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) Commit(_ context.Context, ch models.CarChange) error {
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
		r.openRegistry(ch.Car)
	}
	if ch.CloseRegistry {
		for i := len(r.registry) - 1; i >= 0; i-- {
			if r.registry[i].CarId == ch.Car.ID && r.registry[i].Status == models.RegistryStatusOpen {
				today := ch.Today
				r.registry[i].Status = models.RegistryStatusClosed
				r.registry[i].DateSubmitted = &today
				r.registry[i].DateClosed = &today
				break
			}
		}
	}
	now := time.Now()
	for _, e := range ch.Audit {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now.Add(time.Duration(len(r.audit)) * time.Millisecond)
		}
		r.audit = append(r.audit, e)
	}
	r.commits++
	return nil
}

func (r *memRepo) openRegistry(car models.Car) {
	for _, e := range r.registry {
		if e.CarId == car.ID && e.Status == models.RegistryStatusOpen {
			return
		}
	}
	entry := models.NewRegistryEntry(car)
	entry.ID = len(r.registry) + 1
	r.registry = append(r.registry, entry)
}

func (r *memRepo) FetchTrail(_ context.Context, carId string) ([]models.AuditTrail, error) {
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

func (r *memRepo) BackfillTrail(_ context.Context, entry models.AuditTrail) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.audit {
		if e.CarId == entry.CarId {
			return false, nil
		}
	}
	r.audit = append(r.audit, entry)
	return true, nil
}

func (r *memRepo) FetchGlobalTrail(_ context.Context, limit int) ([]models.AuditTrail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditTrail
	for i := len(r.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.audit[i])
	}
	return out, nil
}

func (r *memRepo) ListRegistry(_ context.Context, filter models.RegistryFilter) ([]models.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RegistryEntry
	for _, e := range r.registry {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.CarId != "" && e.CarId != filter.CarId {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	day string
}

func (c *fakeClock) set(day string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = day
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, _ := time.Parse(utils.DateLayout, c.day)
	return t.Add(9 * time.Hour)
}

type countingLocker struct {
	mu       sync.Mutex
	obtained []string
	fail     bool
}

func (l *countingLocker) Obtain(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("redis down")
	}
	l.obtained = append(l.obtained, key)
	return func() {}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestService(repo Repository, clock *fakeClock, opts ...Option) *Service {
	base := []Option{WithClock(clock.now), WithLocation(time.UTC), WithMachine(newTestMachine())}
	return NewService(repo, quietLogger(), append(base, opts...)...)
}

func TestService_EndToEndScenario(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	clock := &fakeClock{day: "2024-03-01"}
	svc := newTestService(repo, clock)

	car, err := svc.CreateCar(ctx, labCarInput(), qaActor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if car.Status != models.CarStatusOpen || car.DueDate != "2024-03-06" {
		t.Fatalf("unexpected created car: %s %s", car.Status, car.DueDate)
	}

	clock.set("2024-03-10")
	res, err := svc.Transition(ctx, car.ID, Command{Verb: VerbSubmitResponse, Response: completeResponse()}, sectionActor)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Car.Status != models.CarStatusResponded || !res.Car.IsLate {
		t.Fatalf("expected late RESPONDED car, got %s late=%v", res.Car.Status, res.Car.IsLate)
	}
	entries, _ := repo.ListRegistry(ctx, models.RegistryFilter{CarId: car.ID})
	if len(entries) != 1 || entries[0].Status != models.RegistryStatusClosed || *entries[0].DateClosed != "2024-03-10" {
		t.Fatalf("expected one closed registry entry, got %+v", entries)
	}
	if entries[0].OriginalDueDate != "2024-03-06" || entries[0].Section != "Laboratory" {
		t.Fatalf("unexpected registry entry %+v", entries[0])
	}

	res, err = svc.Transition(ctx, car.ID, Command{Verb: VerbReturn, Remarks: "insufficient evidence"}, qaActor)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if res.Car.Status != models.CarStatusReturned || res.Car.DueDate != "2024-03-12" {
		t.Fatalf("unexpected returned car: %s %s", res.Car.Status, res.Car.DueDate)
	}

	steps := []struct {
		cmd   Command
		actor Actor
	}{
		{Command{Verb: VerbSubmitResponse, Response: completeResponse()}, sectionActor},
		{Command{Verb: VerbAccept}, qaActor},
		{Command{Verb: VerbMarkImplemented}, sectionActor},
		{Command{Verb: VerbVerifyIneffective, Reissue: true}, qaActor},
	}
	for _, st := range steps {
		if res, err = svc.Transition(ctx, car.ID, st.cmd, st.actor); err != nil {
			t.Fatalf("%s: %v", st.cmd.Verb, err)
		}
	}
	if res.Car.Status != models.CarStatusIneffective {
		t.Fatalf("expected INEFFECTIVE, got %s", res.Car.Status)
	}
	if !res.Car.IsLate {
		t.Fatalf("isLate must stay set")
	}
	re := res.Reissued
	if re == nil || re.Status != models.CarStatusOpen || re.RefNo != "IQA-2024-001 (Re-issue)" {
		t.Fatalf("unexpected re-issued car %+v", re)
	}
	if re.Department != "Laboratory" || re.IsoClause != "8.5.1" || re.Statement != car.Statement {
		t.Fatalf("re-issue must copy classification and description")
	}
	stored, err := svc.GetCar(ctx, re.ID)
	if err != nil || stored.DueDate != "2024-03-15" {
		t.Fatalf("expected stored re-issue due 2024-03-15, got %v %v", stored, err)
	}

	open, _ := repo.ListRegistry(ctx, models.RegistryFilter{Status: models.RegistryStatusOpen})
	if len(open) != 0 {
		t.Fatalf("expected no open registry entries, got %+v", open)
	}

	if _, err := svc.Transition(ctx, car.ID, Command{Verb: VerbValidate}, dqmrActor); err != nil {
		t.Fatalf("validate: %v", err)
	}
	closed, _ := svc.GetCar(ctx, car.ID)
	if closed.Status != models.CarStatusClosed || !closed.IsLate {
		t.Fatalf("expected CLOSED and still late, got %s late=%v", closed.Status, closed.IsLate)
	}

	trail, err := svc.FetchTrail(ctx, car.ID)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	wantActions := []models.AuditAction{
		models.AuditActionValidatedAndClosed,
		models.AuditActionVerifiedIneffective,
		models.AuditActionImplementationCompleted,
		models.AuditActionPlanAccepted,
		models.AuditActionResponseSubmitted,
		models.AuditActionPlanReturned,
		models.AuditActionResponseSubmitted,
		models.AuditActionCarCreated,
	}
	if len(trail) != len(wantActions) {
		t.Fatalf("expected %d trail entries, got %d", len(wantActions), len(trail))
	}
	for i, a := range wantActions {
		if trail[i].Action != a {
			t.Fatalf("trail[%d]: expected %s, got %s", i, a, trail[i].Action)
		}
	}
}

func TestService_RefusedTransitionWritesNothing(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	clock := &fakeClock{day: "2024-03-01"}
	svc := newTestService(repo, clock)
	car, err := svc.CreateCar(ctx, labCarInput(), qaActor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := repo.commits

	_, err = svc.Transition(ctx, car.ID, Command{Verb: VerbAccept}, qaActor)
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if repo.commits != before {
		t.Fatalf("refused transition committed")
	}
	trail, _ := repo.FetchTrail(ctx, car.ID)
	if len(trail) != 1 {
		t.Fatalf("expected only CAR_CREATED, got %d entries", len(trail))
	}
}

func TestService_ListCarsRepairsLatenessIdempotently(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	clock := &fakeClock{day: "2024-03-01"}
	svc := newTestService(repo, clock)
	car, err := svc.CreateCar(ctx, labCarInput(), qaActor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.set("2024-03-08")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ListCars(ctx, models.CarFilter{}, models.CarSort{}); err != nil {
				t.Errorf("list: %v", err)
			}
		}()
	}
	wg.Wait()

	late, err := svc.ListCars(ctx, models.CarFilter{LateOnly: true}, models.CarSort{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(late) != 1 || late[0].ID != car.ID || !late[0].IsLate {
		t.Fatalf("expected the car listed as late, got %+v", late)
	}
	entries, _ := repo.ListRegistry(ctx, models.RegistryFilter{})
	if len(entries) != 1 || entries[0].Status != models.RegistryStatusOpen {
		t.Fatalf("expected exactly one open registry entry, got %+v", entries)
	}

	n, err := svc.RunLatenessSweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing left to repair, got %d %v", n, err)
	}
}

func TestService_LatenessPersistsWhenTransitionRefused(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	clock := &fakeClock{day: "2024-03-01"}
	svc := newTestService(repo, clock)
	car, _ := svc.CreateCar(ctx, labCarInput(), qaActor)

	clock.set("2024-03-09")
	if _, err := svc.Transition(ctx, car.ID, Command{Verb: VerbSubmitResponse, Response: &ResponseInput{}}, sectionActor); err == nil {
		t.Fatalf("expected validation error")
	}
	stored, _ := repo.GetCar(ctx, car.ID)
	if !stored.IsLate {
		t.Fatalf("expected lateness repair to be persisted")
	}
	trail, _ := repo.FetchTrail(ctx, car.ID)
	if len(trail) != 1 {
		t.Fatalf("refused submission must not be audited")
	}
}

func TestService_StaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	clock := &fakeClock{day: "2024-03-01"}
	svc := newTestService(repo, clock)
	car, _ := svc.CreateCar(ctx, labCarInput(), qaActor)

	repo.failNext = models.ErrStaleVersion
	_, err := svc.Transition(ctx, car.ID, Command{Verb: VerbSubmitResponse, Response: completeResponse()}, sectionActor)
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
	var stale *CollaboratorError
	if !errors.As(err, &stale) {
		t.Fatalf("expected stale version wrapped in CollaboratorError, got %T", err)
	}

	repo.failNext = errors.New("connection reset")
	_, err = svc.Transition(ctx, car.ID, Command{Verb: VerbSubmitResponse, Response: completeResponse()}, sectionActor)
	var ce *CollaboratorError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}
	stored, _ := repo.GetCar(ctx, car.ID)
	if stored.Status != models.CarStatusOpen {
		t.Fatalf("failed commit must not advance state, got %s", stored.Status)
	}
}

func TestService_NotFound(t *testing.T) {
	svc := newTestService(newMemRepo(), &fakeClock{day: "2024-03-01"})
	_, err := svc.Transition(context.Background(), "missing", Command{Verb: VerbAccept}, qaActor)
	var nf *NotFoundError
	if !errors.As(err, &nf) || !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestService_TrailBackfill(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.cars["legacy"] = models.Car{
		ID: "legacy", Status: models.CarStatusClosed, IssuedBy: "Old Auditor",
		DateIssued: "2023-05-02", DueDate: "2023-05-07", Version: 1,
	}
	svc := newTestService(repo, &fakeClock{day: "2024-03-01"})

	trail, err := svc.FetchTrail(ctx, "legacy")
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != 1 || trail[0].Action != models.AuditActionCarCreated || trail[0].UserName != "Old Auditor" {
		t.Fatalf("expected one backfilled CAR_CREATED, got %+v", trail)
	}
	if got := trail[0].CreatedAt.Format(utils.DateLayout); got != "2023-05-02" {
		t.Fatalf("expected backfill dated at issue, got %s", got)
	}
	if trail, _ = svc.FetchTrail(ctx, "legacy"); len(trail) != 1 {
		t.Fatalf("backfill must happen once, got %d", len(trail))
	}

	repo.cars["legacy-2"] = models.Car{ID: "legacy-2", Status: models.CarStatusOpen, IssuedBy: "X", DateIssued: "2023-06-01", Version: 1}
	n, err := svc.BackfillAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 repaired, got %d %v", n, err)
	}
}

func TestService_ReissueOnlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.cars["src"] = models.Car{ID: "src", RefNo: "R", Status: models.CarStatusIneffective, Version: 4}
	locker := &countingLocker{}
	svc := newTestService(repo, &fakeClock{day: "2024-04-10"}, WithLocker(locker))

	re, err := svc.Reissue(ctx, "src", qaActor)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if re.RefNo != "R (Re-issue)" || *re.ReissuedFromId != "src" {
		t.Fatalf("unexpected re-issue %+v", re)
	}
	if _, err := svc.Reissue(ctx, "src", qaActor); err == nil {
		t.Fatalf("expected second re-issue to be refused")
	}
	if len(locker.obtained) == 0 || locker.obtained[0] != "lock:car:src" {
		t.Fatalf("expected per-car lock, got %v", locker.obtained)
	}
}

func TestService_LockFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	clock := &fakeClock{day: "2024-03-01"}
	svc := newTestService(repo, clock, WithLocker(&countingLocker{fail: true}))
	car, _ := svc.CreateCar(ctx, labCarInput(), qaActor)
	if _, err := svc.Transition(ctx, car.ID, Command{Verb: VerbSubmitResponse, Response: completeResponse()}, sectionActor); err != nil {
		t.Fatalf("expected transition without lock to succeed: %v", err)
	}
}

func TestService_DeleteRecordsBeforeRemoval(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc := newTestService(repo, &fakeClock{day: "2024-03-01"})
	car, _ := svc.CreateCar(ctx, labCarInput(), qaActor)

	if err := svc.DeleteCar(ctx, car.ID, qaActor); err == nil {
		t.Fatalf("expected non-privileged delete to fail")
	}
	root := Actor{Name: "Root", Role: models.UserRoleQA, IsSuperUser: true}
	if err := svc.DeleteCar(ctx, car.ID, root); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetCar(ctx, car.ID); err == nil {
		t.Fatalf("expected car gone")
	}
	global, _ := svc.FetchGlobalTrail(ctx, 0)
	if len(global) != 2 || global[0].Action != models.AuditActionCarDeleted {
		t.Fatalf("expected CAR_DELETED newest, got %+v", global)
	}
}
