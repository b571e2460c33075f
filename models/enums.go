package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type UserRole string

const (
	UserRoleQA      UserRole = "QA"
	UserRoleSection UserRole = "SECTION"
	UserRoleDQMR    UserRole = "DQMR"
)

func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleQA, UserRoleSection, UserRoleDQMR:
		return true
	}
	return false
}

func (r *UserRole) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("role must be string")
	}
	v := UserRole(str)
	if !v.IsValid() {
		return fmt.Errorf("invalid role %q", str)
	}
	*r = v
	return nil
}

type CarStatus string

const (
	CarStatusOpen            CarStatus = "OPEN"
	CarStatusResponded       CarStatus = "RESPONDED"
	CarStatusAccepted        CarStatus = "ACCEPTED"
	CarStatusReturned        CarStatus = "RETURNED"
	CarStatusForVerification CarStatus = "FOR_VERIFICATION"
	CarStatusVerified        CarStatus = "VERIFIED"
	CarStatusIneffective     CarStatus = "INEFFECTIVE"
	CarStatusClosed          CarStatus = "CLOSED"
)

// carStatusRank orders statuses along the lifecycle; used for sorting.
var carStatusRank = map[CarStatus]int{
	CarStatusOpen:            0,
	CarStatusReturned:        1,
	CarStatusResponded:       2,
	CarStatusAccepted:        3,
	CarStatusForVerification: 4,
	CarStatusVerified:        5,
	CarStatusIneffective:     6,
	CarStatusClosed:          7,
}

func (s CarStatus) IsValid() bool {
	_, ok := carStatusRank[s]
	return ok
}

func (s CarStatus) Rank() int {
	if r, ok := carStatusRank[s]; ok {
		return r
	}
	return len(carStatusRank)
}

// AwaitingResponse reports whether the section still owes a response.
func (s CarStatus) AwaitingResponse() bool {
	return s == CarStatusOpen || s == CarStatusReturned
}

func (s *CarStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("status must be string")
	}
	v := CarStatus(str)
	if !v.IsValid() {
		return fmt.Errorf("invalid status %q", str)
	}
	*s = v
	return nil
}

type Source string

const (
	SourceInternalAudit Source = "Internal Audit"
	SourceKPI           Source = "KPI"
	SourceDOH           Source = "DOH"
	SourceIPC           Source = "IPC"
	SourcePhilHealth    Source = "PhilHealth"
	SourceIMS           Source = "Incident Management System"
	SourceOthers        Source = "Others"
)

var sources = []Source{
	SourceInternalAudit,
	SourceKPI,
	SourceDOH,
	SourceIPC,
	SourcePhilHealth,
	SourceIMS,
	SourceOthers,
}

func (s Source) IsValid() bool {
	for _, v := range sources {
		if v == s {
			return true
		}
	}
	return false
}

// RequiresIsoClause is true for findings raised against the QMS itself.
func (s Source) RequiresIsoClause() bool {
	return s == SourceInternalAudit || s == SourceKPI
}

func (s *Source) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("source must be string")
	}
	// Empty is left for the required-field check to report.
	if str != "" && !Source(str).IsValid() {
		return fmt.Errorf("invalid source %q", str)
	}
	*s = Source(str)
	return nil
}

func Sources() []Source {
	out := make([]Source, len(sources))
	copy(out, sources)
	return out
}

type Department string

var departments = []Department{
	"Administrative Services",
	"Anesthesiology",
	"Billing and Claims",
	"Dietary",
	"Emergency Room",
	"Engineering and Maintenance",
	"Finance",
	"Health Information Management",
	"Housekeeping",
	"Human Resources",
	"Infection Prevention and Control",
	"Information Technology",
	"Internal Medicine",
	"Laboratory",
	"Materials Management",
	"Nursing Service",
	"Obstetrics and Gynecology",
	"Operating Room",
	"Outpatient Department",
	"Pediatrics",
	"Pharmacy",
	"Quality Assurance",
	"Radiology",
	"Rehabilitation Medicine",
	"Security",
	"Surgery",
}

func (d Department) IsValid() bool {
	for _, v := range departments {
		if v == d {
			return true
		}
	}
	return false
}

func (d *Department) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("department must be string")
	}
	if str != "" && !Department(str).IsValid() {
		return fmt.Errorf("invalid department %q", str)
	}
	*d = Department(str)
	return nil
}

func Departments() []Department {
	out := make([]Department, len(departments))
	copy(out, departments)
	return out
}

type AuditAction string

const (
	AuditActionCarCreated              AuditAction = "CAR_CREATED"
	AuditActionResponseSubmitted       AuditAction = "RESPONSE_SUBMITTED"
	AuditActionPlanReturned            AuditAction = "PLAN_RETURNED"
	AuditActionPlanAccepted            AuditAction = "PLAN_ACCEPTED"
	AuditActionImplementationCompleted AuditAction = "IMPLEMENTATION_COMPLETED"
	AuditActionImplementationRevoked   AuditAction = "IMPLEMENTATION_REVOKED"
	AuditActionVerifiedEffective       AuditAction = "VERIFIED_EFFECTIVE"
	AuditActionVerifiedIneffective     AuditAction = "VERIFIED_INEFFECTIVE"
	AuditActionVerificationRevoked     AuditAction = "VERIFICATION_REVOKED"
	AuditActionValidatedAndClosed      AuditAction = "VALIDATED_AND_CLOSED"
	AuditActionValidationRevoked       AuditAction = "VALIDATION_REVOKED"
	AuditActionCarDeleted              AuditAction = "CAR_DELETED"
)

type RegistryStatus string

const (
	RegistryStatusOpen   RegistryStatus = "Open"
	RegistryStatusClosed RegistryStatus = "Closed"
)

func (s RegistryStatus) IsValid() bool {
	return s == RegistryStatusOpen || s == RegistryStatusClosed
}

// RequiredDocumentCarResponse is the document a late section still owes.
const RequiredDocumentCarResponse = "CAR Response"

const ReissueSuffix = " (Re-issue)"
