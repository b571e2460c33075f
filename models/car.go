package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Car is a Corrective Action Request. Calendar-day fields are YYYY-MM-DD strings.
type Car struct {
	ID    string `gorm:"primaryKey;size:36" json:"id"`
	RefNo string `gorm:"size:100;index" json:"ref_no"`
	CarNo string `gorm:"size:100;index" json:"car_no"`

	Department  Department `gorm:"size:100;index;not null" json:"department"`
	IsoClause   string     `gorm:"size:50" json:"iso_clause"`
	Source      Source     `gorm:"size:50;index;not null" json:"source"`
	DateOfAudit string     `gorm:"size:10" json:"date_of_audit"`

	Statement string `gorm:"type:text" json:"statement"`
	Evidence  string `gorm:"type:text" json:"evidence"`
	Reference string `gorm:"type:text" json:"reference"`

	IssuedBy   string `gorm:"size:255" json:"issued_by"`
	DateIssued string `gorm:"size:10;index" json:"date_issued"`
	DueDate    string `gorm:"size:10;index" json:"due_date"`

	AcknowledgedBy        string                                `gorm:"size:255" json:"acknowledged_by"`
	DateAcknowledged      string                                `gorm:"size:10" json:"date_acknowledged"`
	RemedialActions       datatypes.JSONSlice[string]           `json:"remedial_actions"`
	RootCauses            datatypes.JSONSlice[RootCause]        `json:"root_causes"`
	RcaData               datatypes.JSONType[RCAData]           `json:"rca_data"`
	CorrectiveActions     datatypes.JSONSlice[CorrectiveAction] `json:"corrective_actions"`
	DateResponseSubmitted string                                `gorm:"size:10" json:"date_response_submitted"`

	AcceptedBy    string `gorm:"size:255" json:"accepted_by"`
	DateAccepted  string `gorm:"size:10" json:"date_accepted"`
	IsReturned    bool   `gorm:"not null;default:false" json:"is_returned"`
	ReturnRemarks string `gorm:"type:text" json:"return_remarks"`

	FollowUpComment string `gorm:"type:text" json:"follow_up_comment"`
	IsEffective     *bool  `json:"is_effective"`
	IsCleared       *bool  `json:"is_cleared"`
	VerifiedBy      string `gorm:"size:255" json:"verified_by"`
	DateVerified    string `gorm:"size:10" json:"date_verified"`

	ValidatedBy   string `gorm:"size:255" json:"validated_by"`
	DateValidated string `gorm:"size:10" json:"date_validated"`

	Status CarStatus `gorm:"size:20;index;not null" json:"status"`
	// IsLate is sticky: once set it is never cleared.
	IsLate         bool      `gorm:"index;not null;default:false" json:"is_late"`
	Version        int       `gorm:"not null;default:1" json:"version"`
	ReissuedFromId *string   `gorm:"size:36;index" json:"reissued_from_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type RootCause struct {
	ID    string `json:"id"`
	Cause string `json:"cause"`
}

type CorrectiveAction struct {
	Action            string `json:"action" validate:"required"`
	PersonResponsible string `json:"person_responsible" validate:"required"`
	ExpectedDate      string `json:"expected_date" validate:"required,ymd"`
}

// RCAData is the raw root-cause analysis as entered by the section.
type RCAData struct {
	Chains              []RCAChain   `json:"chains"`
	ParetoItems         []ParetoItem `json:"pareto_items"`
	RootCauseHypothesis string       `json:"root_cause_hypothesis,omitempty"`
}

// RCAChain is one 5-Whys chain; each entry deepens the previous why.
type RCAChain struct {
	ID   string   `json:"id"`
	Whys []string `json:"whys"`
}

// ParetoItem is linked to a chain by ID.
type ParetoItem struct {
	ID        string          `json:"id"`
	Cause     string          `json:"cause"`
	Frequency decimal.Decimal `json:"frequency"`
}

func (d RCAData) Clone() RCAData {
	out := RCAData{RootCauseHypothesis: d.RootCauseHypothesis}
	if d.Chains != nil {
		out.Chains = make([]RCAChain, len(d.Chains))
		for i, c := range d.Chains {
			out.Chains[i] = RCAChain{ID: c.ID, Whys: append([]string(nil), c.Whys...)}
		}
	}
	if d.ParetoItems != nil {
		out.ParetoItems = append([]ParetoItem(nil), d.ParetoItems...)
	}
	return out
}

func (c *Car) RCA() RCAData {
	return c.RcaData.Data()
}

func (c *Car) SetRCA(d RCAData) {
	c.RcaData = datatypes.NewJSONType(d.Clone())
}

// Clone returns a deep copy so transitions never alias the caller's value.
func (c Car) Clone() Car {
	out := c
	out.RemedialActions = cloneSlice(c.RemedialActions)
	out.RootCauses = cloneSlice(c.RootCauses)
	out.CorrectiveActions = cloneSlice(c.CorrectiveActions)
	out.RcaData = datatypes.NewJSONType(c.RcaData.Data().Clone())
	out.IsEffective = cloneBool(c.IsEffective)
	out.IsCleared = cloneBool(c.IsCleared)
	if c.ReissuedFromId != nil {
		id := *c.ReissuedFromId
		out.ReissuedFromId = &id
	}
	return out
}

// Normalize replaces nil lists with empty ones so they persist and render as [].
func (c *Car) Normalize() {
	if c.RemedialActions == nil {
		c.RemedialActions = datatypes.JSONSlice[string]{}
	}
	if c.RootCauses == nil {
		c.RootCauses = datatypes.JSONSlice[RootCause]{}
	}
	if c.CorrectiveActions == nil {
		c.CorrectiveActions = datatypes.JSONSlice[CorrectiveAction]{}
	}
	rca := c.RcaData.Data()
	if rca.Chains == nil || rca.ParetoItems == nil {
		if rca.Chains == nil {
			rca.Chains = []RCAChain{}
		}
		if rca.ParetoItems == nil {
			rca.ParetoItems = []ParetoItem{}
		}
		c.RcaData = datatypes.NewJSONType(rca)
	}
}

func cloneSlice[T any, S ~[]T](s S) S {
	if s == nil {
		return nil
	}
	out := make(S, len(s))
	copy(out, s)
	return out
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
