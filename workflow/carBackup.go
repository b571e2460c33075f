package workflow

import (
	"bytes"
	"strings"

	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	BackupCarSheet      = "CARs"
	BackupRegistrySheet = "Registry"
	BackupContentType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var backupCarHeadings = []interface{}{
	"ID", "Ref No", "CAR No", "Department", "ISO Clause", "Source", "Date of Audit",
	"Statement", "Evidence", "Reference", "Issued By", "Date Issued", "Due Date",
	"Status", "Late", "Acknowledged By", "Date Acknowledged", "Remedial Actions",
	"Root Causes", "Corrective Actions", "Response Submitted", "Accepted By",
	"Date Accepted", "Returned", "Return Remarks", "Follow-up", "Effective",
	"Cleared", "Verified By", "Date Verified", "Validated By", "Date Validated",
	"Re-issued From",
}

var backupRegistryHeadings = []interface{}{
	"ID", "CAR ID", "Section", "Required Document", "Original Due Date",
	"Status", "Date Submitted", "Date Closed",
}

// BuildCarBackup writes every CAR and registry entry to an xlsx workbook.
func BuildCarBackup(cars []models.Car, registry []models.RegistryEntry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", BackupCarSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(BackupRegistrySheet); err != nil {
		return nil, err
	}

	if err := writeRow(f, BackupCarSheet, 1, backupCarHeadings); err != nil {
		return nil, err
	}
	for i, c := range cars {
		if err := writeRow(f, BackupCarSheet, i+2, carBackupRow(c)); err != nil {
			return nil, err
		}
	}

	if err := writeRow(f, BackupRegistrySheet, 1, backupRegistryHeadings); err != nil {
		return nil, err
	}
	for i, e := range registry {
		row := []interface{}{
			e.ID, e.CarId, string(e.Section), e.RequiredDocument, e.OriginalDueDate,
			string(e.Status), utils.DereferencePtr(e.DateSubmitted), utils.DereferencePtr(e.DateClosed),
		}
		if err := writeRow(f, BackupRegistrySheet, i+2, row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, rowNo int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func carBackupRow(c models.Car) []interface{} {
	causes := make([]string, 0, len(c.RootCauses))
	for _, rc := range c.RootCauses {
		causes = append(causes, rc.Cause)
	}
	actions := make([]string, 0, len(c.CorrectiveActions))
	for _, a := range c.CorrectiveActions {
		actions = append(actions, a.Action+" ("+a.PersonResponsible+", "+a.ExpectedDate+")")
	}
	return []interface{}{
		c.ID, c.RefNo, c.CarNo, string(c.Department), c.IsoClause, string(c.Source), c.DateOfAudit,
		c.Statement, c.Evidence, c.Reference, c.IssuedBy, c.DateIssued, c.DueDate,
		string(c.Status), yesNo(c.IsLate), c.AcknowledgedBy, c.DateAcknowledged,
		strings.Join(c.RemedialActions, "\n"), strings.Join(causes, "\n"), strings.Join(actions, "\n"),
		c.DateResponseSubmitted, c.AcceptedBy, c.DateAccepted, yesNo(c.IsReturned), c.ReturnRemarks,
		c.FollowUpComment, optionalYesNo(c.IsEffective), optionalYesNo(c.IsCleared),
		c.VerifiedBy, c.DateVerified, c.ValidatedBy, c.DateValidated,
		utils.DereferencePtr(c.ReissuedFromId),
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func optionalYesNo(b *bool) string {
	if b == nil {
		return ""
	}
	return yesNo(*b)
}
