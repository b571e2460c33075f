package workflow

import (
	"strings"

	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
)

// MaxIssuers is how many auditors may sign a CAR.
const MaxIssuers = 2

type NewCarInput struct {
	RefNo       string            `json:"ref_no" validate:"max=100"`
	CarNo       string            `json:"car_no" validate:"max=100"`
	Department  models.Department `json:"department" validate:"required"`
	IsoClause   string            `json:"iso_clause" validate:"max=50"`
	Source      models.Source     `json:"source" validate:"required"`
	DateOfAudit string            `json:"date_of_audit" validate:"required,ymd"`
	Statement   string            `json:"statement" validate:"required"`
	Evidence    string            `json:"evidence" validate:"required"`
	Reference   string            `json:"reference" validate:"required"`
	IssuedBy    []string          `json:"issued_by" validate:"required,min=1,max=2,dive,required"`
	DateIssued  string            `json:"date_issued" validate:"required,ymd"`
	// DueDate is honoured only under override.
	DueDate *string `json:"due_date" validate:"omitempty,ymd"`
}

// CarDetailsInput edits what the issuer typed; status and dates set by transitions are untouched.
type CarDetailsInput struct {
	RefNo       string            `json:"ref_no" validate:"max=100"`
	CarNo       string            `json:"car_no" validate:"max=100"`
	Department  models.Department `json:"department" validate:"required"`
	IsoClause   string            `json:"iso_clause" validate:"max=50"`
	Source      models.Source     `json:"source" validate:"required"`
	DateOfAudit string            `json:"date_of_audit" validate:"required,ymd"`
	Statement   string            `json:"statement" validate:"required"`
	Evidence    string            `json:"evidence" validate:"required"`
	Reference   string            `json:"reference" validate:"required"`
}

// ResponseInput is the section's response. Drafts may be incomplete; a
// submission additionally needs the acknowledgement.
type ResponseInput struct {
	AcknowledgedBy    string                    `json:"acknowledged_by" validate:"max=255"`
	DateAcknowledged  string                    `json:"date_acknowledged" validate:"omitempty,ymd"`
	RemedialActions   []string                  `json:"remedial_actions"`
	RcaData           models.RCAData            `json:"rca_data"`
	CorrectiveActions []models.CorrectiveAction `json:"corrective_actions" validate:"dive"`
}

func validateInput(in any) error {
	if err := utils.ValidateStruct(in); err != nil {
		return &ValidationError{Fields: utils.ProcessValidationErrors(err)}
	}
	return nil
}

func (in NewCarInput) validate() error {
	fields := map[string]string{}
	if err := validateInput(in); err != nil {
		fields = err.(*ValidationError).Fields
	}
	checkClassification(fields, in.Department, in.Source, in.IsoClause)
	return newValidationError(fields)
}

func (in CarDetailsInput) validate() error {
	fields := map[string]string{}
	if err := validateInput(in); err != nil {
		fields = err.(*ValidationError).Fields
	}
	checkClassification(fields, in.Department, in.Source, in.IsoClause)
	return newValidationError(fields)
}

func checkClassification(fields map[string]string, d models.Department, s models.Source, isoClause string) {
	if d != "" && !d.IsValid() {
		fields["department"] = "oneof"
	}
	if s != "" && !s.IsValid() {
		fields["source"] = "oneof"
	}
	if s.RequiresIsoClause() && strings.TrimSpace(isoClause) == "" {
		fields["iso_clause"] = "required"
	}
}

func (in ResponseInput) validateDraft() error {
	return validateInput(in)
}

func (in ResponseInput) validateSubmission() error {
	fields := map[string]string{}
	if err := validateInput(in); err != nil {
		fields = err.(*ValidationError).Fields
	}
	if strings.TrimSpace(in.AcknowledgedBy) == "" {
		fields["acknowledged_by"] = "required"
	}
	if strings.TrimSpace(in.DateAcknowledged) == "" {
		fields["date_acknowledged"] = "required"
	}
	return newValidationError(fields)
}

func joinIssuers(names []string) string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return strings.Join(out, " & ")
}

func trimmedNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
