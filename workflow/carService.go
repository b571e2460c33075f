package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mmdatafocus/qms_backend/workflow"
	carLockTTL  = 30 * time.Second
	backfillTag = "backfilled"
)

// Repository is the persistence the service needs. models.CarStore implements it.
type Repository interface {
	GetCar(ctx context.Context, id string) (*models.Car, error)
	ListCars(ctx context.Context, filter models.CarFilter) ([]models.Car, error)
	HasReissue(ctx context.Context, id string) (bool, error)
	Commit(ctx context.Context, change models.CarChange) error
	FetchTrail(ctx context.Context, carId string) ([]models.AuditTrail, error)
	BackfillTrail(ctx context.Context, entry models.AuditTrail) (bool, error)
	FetchGlobalTrail(ctx context.Context, limit int) ([]models.AuditTrail, error)
	ListRegistry(ctx context.Context, filter models.RegistryFilter) ([]models.RegistryEntry, error)
}

// Service runs lifecycle operations against the repository: load, repair
// lateness, apply the transition, then commit the CAR and its effects together.
type Service struct {
	repo    Repository
	machine *Machine
	locker  Locker
	logger  *logrus.Logger
	now     func() time.Time
	loc     *time.Location
	tracer  trace.Tracer
}

type Option func(*Service)

func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func WithMachine(m *Machine) Option {
	return func(s *Service) { s.machine = m }
}

func NewService(repo Repository, logger *logrus.Logger, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		machine: NewMachine(),
		logger:  logger,
		now:     time.Now,
		loc:     time.UTC,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = config.GetLogger()
	}
	return s
}

// Today is the current calendar date in the service's timezone.
func (s *Service) Today() string {
	return s.now().In(s.loc).Format(utils.DateLayout)
}

func (s *Service) startSpan(ctx context.Context, name string, carId string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "workflow."+name)
	if carId != "" {
		span.SetAttributes(attribute.String("car.id", carId))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) CreateCar(ctx context.Context, in NewCarInput, actor Actor) (car *models.Car, err error) {
	ctx, span := s.startSpan(ctx, "CreateCar", "")
	defer func() { endSpan(span, err) }()

	res, err := s.machine.Create(in, actor, s.Today())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Commit(ctx, models.CarChange{
		Car:           res.Car,
		Insert:        true,
		StatusChanged: true,
		Audit:         res.Audit,
	}); err != nil {
		return nil, collaboratorErr("create car", err)
	}
	return &res.Car, nil
}

// GetCar loads one CAR with lateness repaired.
func (s *Service) GetCar(ctx context.Context, id string) (car *models.Car, err error) {
	ctx, span := s.startSpan(ctx, "GetCar", id)
	defer func() { endSpan(span, err) }()

	loaded, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	repaired := s.repair(ctx, *loaded, s.Today())
	return &repaired, nil
}

// ListCars lists CARs and repairs lateness on every one of them first, so the
// listing may write. LateOnly is applied after the repair.
func (s *Service) ListCars(ctx context.Context, filter models.CarFilter, sortBy models.CarSort) (cars []models.Car, err error) {
	ctx, span := s.startSpan(ctx, "ListCars", "")
	defer func() { endSpan(span, err) }()

	query := filter
	query.LateOnly = false
	loaded, err := s.repo.ListCars(ctx, query)
	if err != nil {
		return nil, collaboratorErr("list cars", err)
	}
	today := s.Today()
	cars = make([]models.Car, 0, len(loaded))
	for _, c := range loaded {
		c = s.repair(ctx, c, today)
		if filter.Matches(&c) {
			cars = append(cars, c)
		}
	}
	models.SortCars(cars, sortBy)
	span.SetAttributes(attribute.Int("cars.count", len(cars)))
	return cars, nil
}

// RunLatenessSweep repairs every CAR and reports how many became late.
func (s *Service) RunLatenessSweep(ctx context.Context) (flipped int, err error) {
	loaded, err := s.repo.ListCars(ctx, models.CarFilter{})
	if err != nil {
		return 0, collaboratorErr("list cars", err)
	}
	today := s.Today()
	for _, c := range loaded {
		if repaired := s.repair(ctx, c, today); repaired.IsLate && !c.IsLate {
			flipped++
		}
	}
	return flipped, nil
}

// repair persists a lateness flip on its own. A failed or lost write is
// logged and the unrepaired car returned; the next read tries again.
func (s *Service) repair(ctx context.Context, car models.Car, today string) models.Car {
	repaired, flipped := EvaluateLateness(car, today)
	if !flipped {
		return car
	}
	err := s.repo.Commit(ctx, models.CarChange{
		Car:             repaired,
		ExpectedVersion: car.Version,
		OpenRegistry:    true,
		Today:           today,
	})
	if err != nil {
		if !errors.Is(err, ErrStaleVersion) {
			config.LogError(s.logger, "carService.go", "repair", "persist lateness", car.ID, err)
		}
		return car
	}
	repaired.Version = car.Version + 1
	return repaired
}

func (s *Service) load(ctx context.Context, id string) (*models.Car, error) {
	car, err := s.repo.GetCar(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, &NotFoundError{Kind: "car", ID: id}
		}
		return nil, collaboratorErr("load car", err)
	}
	return car, nil
}

func (s *Service) lock(ctx context.Context, id string) func() {
	if s.locker == nil {
		return func() {}
	}
	release, err := s.locker.Obtain(ctx, carLockKey(id), carLockTTL)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"field":  "carService",
			"car_id": id,
		}).Warn("could not obtain car lock; proceeding without it: " + err.Error())
		return func() {}
	}
	return release
}

// mutate is the shared load, repair, apply, commit path. A lateness flip is
// committed with the operation, or on its own when the operation is refused.
func (s *Service) mutate(ctx context.Context, id string, apply func(car models.Car, today string) (*Result, error), decorate func(*models.CarChange)) (*Result, error) {
	release := s.lock(ctx, id)
	defer release()

	loaded, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	today := s.Today()
	repaired, flipped := EvaluateLateness(*loaded, today)

	res, err := apply(repaired, today)
	if err != nil {
		if flipped {
			s.repair(ctx, *loaded, today)
		}
		return nil, err
	}

	change := models.CarChange{
		Car:             res.Car,
		ExpectedVersion: loaded.Version,
		StatusChanged:   res.StatusChanged,
		Reissued:        res.Reissued,
		Audit:           res.Audit,
		OpenRegistry:    flipped,
		CloseRegistry:   res.CloseRegistry,
		Today:           today,
	}
	if decorate != nil {
		decorate(&change)
	}
	if err := s.repo.Commit(ctx, change); err != nil {
		return nil, collaboratorErr("commit car", err)
	}
	res.Car.Version = loaded.Version + 1
	return res, nil
}

// Transition applies one lifecycle verb. For verify-ineffective with Reissue
// the new CAR is returned in Result.Reissued.
func (s *Service) Transition(ctx context.Context, id string, cmd Command, actor Actor) (res *Result, err error) {
	ctx, span := s.startSpan(ctx, "Transition", id)
	span.SetAttributes(attribute.String("car.transition", string(cmd.Verb)))
	defer func() { endSpan(span, err) }()

	if cmd.Verb == VerbVerifyIneffective && cmd.Reissue {
		exists, err := s.repo.HasReissue(ctx, id)
		if err != nil {
			return nil, collaboratorErr("check reissue", err)
		}
		if exists {
			return nil, &PreconditionError{Transition: string(cmd.Verb), Reason: "car was already re-issued"}
		}
	}
	res, err = s.mutate(ctx, id, func(car models.Car, today string) (*Result, error) {
		return s.machine.Apply(car, cmd, actor, today)
	}, nil)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"field":      "carService",
		"car_id":     id,
		"transition": cmd.Verb,
		"status":     res.Car.Status,
		"user":       actor.Name,
	}).Info("car transition committed")
	return res, nil
}

func (s *Service) UpdateResponseDraft(ctx context.Context, id string, in ResponseInput, actor Actor) (car *models.Car, err error) {
	ctx, span := s.startSpan(ctx, "UpdateResponseDraft", id)
	defer func() { endSpan(span, err) }()

	res, err := s.mutate(ctx, id, func(car models.Car, _ string) (*Result, error) {
		return s.machine.UpdateResponseDraft(car, in, actor)
	}, nil)
	if err != nil {
		return nil, err
	}
	return &res.Car, nil
}

func (s *Service) UpdateDetails(ctx context.Context, id string, in CarDetailsInput, actor Actor) (car *models.Car, err error) {
	ctx, span := s.startSpan(ctx, "UpdateDetails", id)
	defer func() { endSpan(span, err) }()

	res, err := s.mutate(ctx, id, func(car models.Car, _ string) (*Result, error) {
		return s.machine.UpdateDetails(car, in, actor)
	}, nil)
	if err != nil {
		return nil, err
	}
	return &res.Car, nil
}

// Reissue creates the follow-up CAR for one verified ineffective. Not idempotent
// across distinct source CARs; a second call for the same source is refused.
func (s *Service) Reissue(ctx context.Context, id string, actor Actor) (car *models.Car, err error) {
	ctx, span := s.startSpan(ctx, "Reissue", id)
	defer func() { endSpan(span, err) }()

	exists, err := s.repo.HasReissue(ctx, id)
	if err != nil {
		return nil, collaboratorErr("check reissue", err)
	}
	res, err := s.mutate(ctx, id, func(car models.Car, today string) (*Result, error) {
		return s.machine.Reissue(car, actor, today, exists)
	}, nil)
	if err != nil {
		return nil, err
	}
	return res.Reissued, nil
}

// DeleteCar removes the CAR after recording CAR_DELETED. Not safely retryable.
func (s *Service) DeleteCar(ctx context.Context, id string, actor Actor) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteCar", id)
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, id, func(car models.Car, _ string) (*Result, error) {
		return s.machine.Delete(car, actor)
	}, func(ch *models.CarChange) {
		ch.Delete = true
		ch.OpenRegistry = false
	})
	return err
}

// FetchTrail returns the CAR's audit entries newest first. A CAR with no
// entries gets one CAR_CREATED entry synthesised from its issuance fields.
func (s *Service) FetchTrail(ctx context.Context, id string) (entries []models.AuditTrail, err error) {
	ctx, span := s.startSpan(ctx, "FetchTrail", id)
	defer func() { endSpan(span, err) }()

	car, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err = s.repo.FetchTrail(ctx, id)
	if err != nil {
		return nil, collaboratorErr("fetch trail", err)
	}
	if len(entries) > 0 {
		return entries, nil
	}
	if _, err := s.backfill(ctx, *car); err != nil {
		return nil, err
	}
	entries, err = s.repo.FetchTrail(ctx, id)
	if err != nil {
		return nil, collaboratorErr("fetch trail", err)
	}
	return entries, nil
}

func (s *Service) backfill(ctx context.Context, car models.Car) (bool, error) {
	inserted, err := s.repo.BackfillTrail(ctx, s.backfillEntry(car))
	if err != nil {
		return false, collaboratorErr("backfill trail", err)
	}
	if inserted {
		s.logger.WithFields(logrus.Fields{
			"field":  "carService",
			"car_id": car.ID,
		}).Info("audit trail backfilled")
	}
	return inserted, nil
}

func (s *Service) backfillEntry(car models.Car) models.AuditTrail {
	createdAt := car.CreatedAt
	if t, err := time.ParseInLocation(utils.DateLayout, car.DateIssued, s.loc); err == nil {
		createdAt = t
	}
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	return models.AuditTrail{
		ID:        s.machine.newID(),
		CarId:     car.ID,
		UserName:  car.IssuedBy,
		UserRole:  string(models.UserRoleQA),
		Action:    models.AuditActionCarCreated,
		Details:   backfillTag,
		CreatedAt: createdAt,
	}
}

// BackfillAll applies the trail backfill to every CAR and reports how many were repaired.
func (s *Service) BackfillAll(ctx context.Context) (repaired int, err error) {
	cars, err := s.repo.ListCars(ctx, models.CarFilter{})
	if err != nil {
		return 0, collaboratorErr("list cars", err)
	}
	for _, car := range cars {
		entries, err := s.repo.FetchTrail(ctx, car.ID)
		if err != nil {
			return repaired, collaboratorErr("fetch trail", err)
		}
		if len(entries) > 0 {
			continue
		}
		inserted, err := s.backfill(ctx, car)
		if err != nil {
			return repaired, err
		}
		if inserted {
			repaired++
		}
	}
	return repaired, nil
}

func (s *Service) FetchGlobalTrail(ctx context.Context, limit int) ([]models.AuditTrail, error) {
	entries, err := s.repo.FetchGlobalTrail(ctx, models.ClampTrailLimit(limit))
	if err != nil {
		return nil, collaboratorErr("fetch global trail", err)
	}
	return entries, nil
}

func (s *Service) ListRegistry(ctx context.Context, filter models.RegistryFilter) ([]models.RegistryEntry, error) {
	entries, err := s.repo.ListRegistry(ctx, filter)
	if err != nil {
		return nil, collaboratorErr("list registry", err)
	}
	return entries, nil
}
