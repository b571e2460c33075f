package workflow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
)

// Actor is who asks for a transition and what they are allowed to bypass.
type Actor struct {
	Name        string
	Role        models.UserRole
	Department  models.Department
	IsSuperUser bool
	EditMode    bool
}

// Override is the super-user escape hatch. It skips role and status checks on
// the transitions that honour it; field validation still applies.
func (a Actor) Override() bool {
	return a.IsSuperUser && a.EditMode
}

type Verb string

const (
	VerbSubmitResponse     Verb = "submit-response"
	VerbAccept             Verb = "accept"
	VerbReturn             Verb = "return"
	VerbMarkImplemented    Verb = "mark-implemented"
	VerbUndoImplementation Verb = "undo-implementation"
	VerbVerifyEffective    Verb = "verify-effective"
	VerbVerifyIneffective  Verb = "verify-ineffective"
	VerbUndoVerification   Verb = "undo-verification"
	VerbValidate           Verb = "validate"
	VerbUndoValidation     Verb = "undo-validation"
	VerbFollowUp           Verb = "follow-up"
)

func (v Verb) IsValid() bool {
	_, ok := transitions[v]
	return ok
}

// Command is one full transition request. Only the fields the verb uses are read.
type Command struct {
	Verb            Verb           `json:"-"`
	Remarks         string         `json:"remarks"`
	Reissue         bool           `json:"reissue"`
	FollowUpComment string         `json:"follow_up_comment"`
	Response        *ResponseInput `json:"response"`
}

// Result is the new CAR value and the side effects the caller must persist
// atomically with it.
type Result struct {
	Car           models.Car
	StatusChanged bool
	Audit         []models.AuditTrail
	OpenRegistry  bool
	CloseRegistry bool
	Reissued      *models.Car
}

type transition struct {
	roles       []models.UserRole
	from        []models.CarStatus
	overridable bool
	apply       func(m *Machine, car *models.Car, cmd Command, actor Actor, today string) (*Result, error)
}

var transitions map[Verb]transition

func init() {
	qa := []models.UserRole{models.UserRoleQA}
	transitions = map[Verb]transition{
		VerbSubmitResponse: {
			roles:       []models.UserRole{models.UserRoleSection},
			from:        []models.CarStatus{models.CarStatusOpen, models.CarStatusReturned},
			overridable: true,
			apply:       (*Machine).submitResponse,
		},
		VerbAccept: {
			roles:       qa,
			from:        []models.CarStatus{models.CarStatusResponded},
			overridable: true,
			apply:       (*Machine).accept,
		},
		VerbReturn: {
			roles:       qa,
			from:        []models.CarStatus{models.CarStatusResponded},
			overridable: true,
			apply:       (*Machine).returnPlan,
		},
		VerbMarkImplemented: {
			roles: []models.UserRole{models.UserRoleSection, models.UserRoleQA},
			from:  []models.CarStatus{models.CarStatusAccepted},
			apply: (*Machine).markImplemented,
		},
		VerbUndoImplementation: {
			roles: []models.UserRole{models.UserRoleSection, models.UserRoleQA},
			from:  []models.CarStatus{models.CarStatusForVerification},
			apply: (*Machine).undoImplementation,
		},
		VerbVerifyEffective: {
			roles:       qa,
			from:        []models.CarStatus{models.CarStatusForVerification},
			overridable: true,
			apply:       (*Machine).verifyEffective,
		},
		VerbVerifyIneffective: {
			roles:       qa,
			from:        []models.CarStatus{models.CarStatusForVerification},
			overridable: true,
			apply:       (*Machine).verifyIneffective,
		},
		VerbUndoVerification: {
			roles: qa,
			from:  []models.CarStatus{models.CarStatusVerified, models.CarStatusIneffective},
			apply: (*Machine).undoVerification,
		},
		VerbValidate: {
			roles:       []models.UserRole{models.UserRoleDQMR},
			from:        []models.CarStatus{models.CarStatusVerified, models.CarStatusIneffective},
			overridable: true,
			apply:       (*Machine).validate,
		},
		VerbUndoValidation: {
			roles: []models.UserRole{models.UserRoleDQMR},
			from:  []models.CarStatus{models.CarStatusClosed},
			apply: (*Machine).undoValidation,
		},
		VerbFollowUp: {
			roles: qa,
			from:  []models.CarStatus{models.CarStatusForVerification},
			apply: (*Machine).saveFollowUp,
		},
	}
}

// Machine executes lifecycle transitions on CAR values. It never mutates its
// input and performs no I/O.
type Machine struct {
	// NewID assigns ids to created CARs and audit entries.
	NewID func() string
	// UndoValidationRestoresOutcome makes Undo Validation go back to
	// INEFFECTIVE for CARs verified ineffective instead of always VERIFIED.
	UndoValidationRestoresOutcome bool
}

func NewMachine() *Machine {
	return &Machine{NewID: uuid.NewString}
}

func (m *Machine) newID() string {
	if m.NewID == nil {
		return uuid.NewString()
	}
	return m.NewID()
}

func (m *Machine) audit(car models.Car, actor Actor, action models.AuditAction, details string) models.AuditTrail {
	return models.AuditTrail{
		ID:       m.newID(),
		CarId:    car.ID,
		UserName: actor.Name,
		UserRole: string(actor.Role),
		Action:   action,
		Details:  details,
	}
}

// Create issues a new CAR in status OPEN.
func (m *Machine) Create(in NewCarInput, actor Actor, today string) (*Result, error) {
	if !actor.Override() && actor.Role != models.UserRoleQA {
		return nil, forbidden("create", actor)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	issuedBy := joinIssuers(in.IssuedBy)
	if issuedBy == "" {
		return nil, &ValidationError{Fields: map[string]string{"issued_by": "required"}}
	}

	dueDate := ComputeDueDate(in.DateIssued, ResponseDays)
	if actor.Override() && in.DueDate != nil && *in.DueDate != "" {
		if dateBefore(*in.DueDate, in.DateIssued) {
			return nil, &ValidationError{Fields: map[string]string{"due_date": "gtefield"}}
		}
		dueDate = *in.DueDate
	}

	car := models.Car{
		ID:          m.newID(),
		RefNo:       strings.TrimSpace(in.RefNo),
		CarNo:       strings.TrimSpace(in.CarNo),
		Department:  in.Department,
		IsoClause:   strings.TrimSpace(in.IsoClause),
		Source:      in.Source,
		DateOfAudit: in.DateOfAudit,
		Statement:   in.Statement,
		Evidence:    in.Evidence,
		Reference:   in.Reference,
		IssuedBy:    issuedBy,
		DateIssued:  in.DateIssued,
		DueDate:     dueDate,
		Status:      models.CarStatusOpen,
		Version:     1,
	}
	car.Normalize()
	return &Result{
		Car:           car,
		StatusChanged: true,
		Audit:         []models.AuditTrail{m.audit(car, actor, models.AuditActionCarCreated, "")},
	}, nil
}

// Apply runs one lifecycle transition. Lateness must already be repaired on car.
func (m *Machine) Apply(car models.Car, cmd Command, actor Actor, today string) (*Result, error) {
	t, ok := transitions[cmd.Verb]
	if !ok {
		return nil, &PreconditionError{Transition: string(cmd.Verb), Reason: "unknown transition"}
	}
	if !(t.overridable && actor.Override()) {
		if !hasRole(actor.Role, t.roles) {
			return nil, forbidden(string(cmd.Verb), actor)
		}
		if !hasStatus(car.Status, t.from) {
			return nil, &PreconditionError{
				Transition: string(cmd.Verb),
				Reason:     fmt.Sprintf("not allowed from status %s", car.Status),
			}
		}
	}
	next := car.Clone()
	res, err := t.apply(m, &next, cmd, actor, today)
	if err != nil {
		return nil, err
	}
	res.StatusChanged = res.Car.Status != car.Status
	return res, nil
}

func (m *Machine) submitResponse(car *models.Car, cmd Command, actor Actor, today string) (*Result, error) {
	if actor.Role == models.UserRoleSection && actor.Department != "" && actor.Department != car.Department && !actor.Override() {
		return nil, &PreconditionError{Transition: string(cmd.Verb), Reason: "car belongs to another department", Forbidden: true}
	}
	in := ResponseInput{
		AcknowledgedBy:    car.AcknowledgedBy,
		DateAcknowledged:  car.DateAcknowledged,
		RemedialActions:   car.RemedialActions,
		RcaData:           car.RCA(),
		CorrectiveActions: car.CorrectiveActions,
	}
	if cmd.Response != nil {
		in = *cmd.Response
	}
	if err := in.validateSubmission(); err != nil {
		return nil, err
	}
	applyResponse(car, in)
	car.Status = models.CarStatusResponded
	car.DateResponseSubmitted = today
	return &Result{
		Car:           *car,
		CloseRegistry: true,
		Audit:         []models.AuditTrail{m.audit(*car, actor, models.AuditActionResponseSubmitted, "")},
	}, nil
}

func (m *Machine) accept(car *models.Car, _ Command, actor Actor, today string) (*Result, error) {
	car.Status = models.CarStatusAccepted
	car.AcceptedBy = actor.Name
	car.DateAccepted = today
	return &Result{
		Car:   *car,
		Audit: []models.AuditTrail{m.audit(*car, actor, models.AuditActionPlanAccepted, "")},
	}, nil
}

func (m *Machine) returnPlan(car *models.Car, cmd Command, actor Actor, today string) (*Result, error) {
	remarks := strings.TrimSpace(cmd.Remarks)
	if remarks == "" {
		return nil, &PreconditionError{Transition: string(cmd.Verb), Reason: "remarks required to return"}
	}
	car.Status = models.CarStatusReturned
	car.IsReturned = true
	car.ReturnRemarks = remarks
	car.DueDate = ReturnDueDate(today)
	return &Result{
		Car:   *car,
		Audit: []models.AuditTrail{m.audit(*car, actor, models.AuditActionPlanReturned, remarks)},
	}, nil
}

func (m *Machine) markImplemented(car *models.Car, _ Command, actor Actor, _ string) (*Result, error) {
	car.Status = models.CarStatusForVerification
	return &Result{
		Car:   *car,
		Audit: []models.AuditTrail{m.audit(*car, actor, models.AuditActionImplementationCompleted, "")},
	}, nil
}

func (m *Machine) undoImplementation(car *models.Car, _ Command, actor Actor, _ string) (*Result, error) {
	car.Status = models.CarStatusAccepted
	return &Result{
		Car:   *car,
		Audit: []models.AuditTrail{m.audit(*car, actor, models.AuditActionImplementationRevoked, "")},
	}, nil
}

func (m *Machine) verifyEffective(car *models.Car, cmd Command, actor Actor, today string) (*Result, error) {
	car.Status = models.CarStatusVerified
	car.IsEffective = utils.NewTrue()
	car.IsCleared = utils.NewTrue()
	car.VerifiedBy = actor.Name
	car.DateVerified = today
	if c := strings.TrimSpace(cmd.FollowUpComment); c != "" {
		car.FollowUpComment = c
	}
	return &Result{
		Car:   *car,
		Audit: []models.AuditTrail{m.audit(*car, actor, models.AuditActionVerifiedEffective, "")},
	}, nil
}

func (m *Machine) verifyIneffective(car *models.Car, cmd Command, actor Actor, today string) (*Result, error) {
	car.Status = models.CarStatusIneffective
	car.IsEffective = utils.NewFalse()
	car.IsCleared = utils.NewFalse()
	car.VerifiedBy = actor.Name
	car.DateVerified = today
	if c := strings.TrimSpace(cmd.FollowUpComment); c != "" {
		car.FollowUpComment = c
	}
	res := &Result{
		Car:   *car,
		Audit: []models.AuditTrail{m.audit(*car, actor, models.AuditActionVerifiedIneffective, "")},
	}
	if cmd.Reissue {
		reissued, entry := m.reissue(*car, actor, today)
		res.Reissued = &reissued
		res.Audit = append(res.Audit, entry)
	}
	return res, nil
}

func (m *Machine) undoVerification(car *models.Car, _ Command, actor Actor, _ string) (*Result, error) {
	car.Status = models.CarStatusForVerification
	car.IsEffective = nil
	car.IsCleared = nil
	car.VerifiedBy = ""
	car.DateVerified = ""
	return &Result{
		Car:   *car,
		Audit: []models.AuditTrail{m.audit(*car, actor, models.AuditActionVerificationRevoked, "")},
	}, nil
}

func (m *Machine) validate(car *models.Car, _ Command, actor Actor, today string) (*Result, error) {
	car.Status = models.CarStatusClosed
	car.ValidatedBy = actor.Name
	car.DateValidated = today
	return &Result{
		Car:   *car,
		Audit: []models.AuditTrail{m.audit(*car, actor, models.AuditActionValidatedAndClosed, "")},
	}, nil
}

func (m *Machine) undoValidation(car *models.Car, _ Command, actor Actor, _ string) (*Result, error) {
	car.Status = models.CarStatusVerified
	if m.UndoValidationRestoresOutcome && car.IsEffective != nil && !*car.IsEffective {
		car.Status = models.CarStatusIneffective
	}
	car.ValidatedBy = ""
	car.DateValidated = ""
	return &Result{
		Car:   *car,
		Audit: []models.AuditTrail{m.audit(*car, actor, models.AuditActionValidationRevoked, "")},
	}, nil
}

func (m *Machine) saveFollowUp(car *models.Car, cmd Command, _ Actor, _ string) (*Result, error) {
	car.FollowUpComment = strings.TrimSpace(cmd.FollowUpComment)
	return &Result{Car: *car}, nil
}

// UpdateResponseDraft saves the section's response without submitting it.
func (m *Machine) UpdateResponseDraft(car models.Car, in ResponseInput, actor Actor) (*Result, error) {
	const op = "update-response"
	if !hasRole(actor.Role, []models.UserRole{models.UserRoleSection, models.UserRoleQA}) && !actor.Override() {
		return nil, forbidden(op, actor)
	}
	if !car.Status.AwaitingResponse() {
		return nil, &PreconditionError{Transition: op, Reason: fmt.Sprintf("not allowed from status %s", car.Status)}
	}
	if err := in.validateDraft(); err != nil {
		return nil, err
	}
	next := car.Clone()
	applyResponse(&next, in)
	return &Result{Car: next}, nil
}

// UpdateDetails edits the issuer's description of the finding.
func (m *Machine) UpdateDetails(car models.Car, in CarDetailsInput, actor Actor) (*Result, error) {
	const op = "update-details"
	if actor.Role != models.UserRoleQA && !actor.Override() {
		return nil, forbidden(op, actor)
	}
	switch car.Status {
	case models.CarStatusOpen, models.CarStatusResponded, models.CarStatusReturned:
	default:
		if !actor.Override() {
			return nil, &PreconditionError{Transition: op, Reason: fmt.Sprintf("not allowed from status %s", car.Status)}
		}
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	next := car.Clone()
	next.RefNo = strings.TrimSpace(in.RefNo)
	next.CarNo = strings.TrimSpace(in.CarNo)
	next.Department = in.Department
	next.IsoClause = strings.TrimSpace(in.IsoClause)
	next.Source = in.Source
	next.DateOfAudit = in.DateOfAudit
	next.Statement = in.Statement
	next.Evidence = in.Evidence
	next.Reference = in.Reference
	return &Result{Car: next}, nil
}

// Reissue creates the follow-up CAR for one verified ineffective.
// alreadyReissued is whether a CAR re-issued from car exists.
func (m *Machine) Reissue(car models.Car, actor Actor, today string, alreadyReissued bool) (*Result, error) {
	const op = "reissue"
	if actor.Role != models.UserRoleQA && !actor.Override() {
		return nil, forbidden(op, actor)
	}
	if car.Status != models.CarStatusIneffective {
		return nil, &PreconditionError{Transition: op, Reason: "only CARs verified ineffective can be re-issued"}
	}
	if alreadyReissued {
		return nil, &PreconditionError{Transition: op, Reason: "car was already re-issued"}
	}
	reissued, entry := m.reissue(car, actor, today)
	return &Result{
		Car:      car.Clone(),
		Reissued: &reissued,
		Audit:    []models.AuditTrail{entry},
	}, nil
}

func (m *Machine) reissue(from models.Car, actor Actor, today string) (models.Car, models.AuditTrail) {
	sourceId := from.ID
	car := models.Car{
		ID:             m.newID(),
		RefNo:          from.RefNo + models.ReissueSuffix,
		CarNo:          from.CarNo + models.ReissueSuffix,
		Department:     from.Department,
		IsoClause:      from.IsoClause,
		Source:         from.Source,
		DateOfAudit:    from.DateOfAudit,
		Statement:      from.Statement,
		Evidence:       from.Evidence,
		Reference:      from.Reference,
		IssuedBy:       actor.Name,
		DateIssued:     today,
		DueDate:        ComputeDueDate(today, ResponseDays),
		Status:         models.CarStatusOpen,
		Version:        1,
		ReissuedFromId: &sourceId,
	}
	car.Normalize()
	return car, m.audit(car, actor, models.AuditActionCarCreated, "re-issued from "+sourceId)
}

// Delete records CAR_DELETED; the caller removes the CAR in the same commit.
func (m *Machine) Delete(car models.Car, actor Actor) (*Result, error) {
	if actor.Role != models.UserRoleQA || !actor.IsSuperUser {
		return nil, forbidden("delete", actor)
	}
	return &Result{
		Car:   car.Clone(),
		Audit: []models.AuditTrail{m.audit(car, actor, models.AuditActionCarDeleted, car.RefNo)},
	}, nil
}

// applyResponse copies the response onto car and re-derives root causes.
func applyResponse(car *models.Car, in ResponseInput) {
	car.AcknowledgedBy = strings.TrimSpace(in.AcknowledgedBy)
	car.DateAcknowledged = in.DateAcknowledged
	car.RemedialActions = trimmedNonEmpty(in.RemedialActions)
	actions := make([]models.CorrectiveAction, len(in.CorrectiveActions))
	copy(actions, in.CorrectiveActions)
	car.CorrectiveActions = actions
	car.SetRCA(in.RcaData)
	car.RootCauses = DeriveRootCauses(in.RcaData)
	car.Normalize()
}

func forbidden(op string, actor Actor) error {
	return &PreconditionError{
		Transition: op,
		Reason:     fmt.Sprintf("role %q may not %s", actor.Role, op),
		Forbidden:  true,
	}
}

func hasRole(role models.UserRole, roles []models.UserRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func hasStatus(s models.CarStatus, in []models.CarStatus) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}
