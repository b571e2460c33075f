package workflow

import (
	"fmt"
	"strings"

	"github.com/mmdatafocus/qms_backend/models"
)

const (
	RecordLineWidth    = 78
	RecordLinesPerPage = 54
	RecordContentType  = "text/plain; charset=utf-8"
)

// CarRecord is the printable record of a CAR, already split into pages.
type CarRecord struct {
	CarId string   `json:"car_id"`
	Pages []string `json:"pages"`
}

// Text joins the pages with form feeds.
func (r CarRecord) Text() string {
	return strings.Join(r.Pages, "\f")
}

// RecordObjectKey is where the event consumer stores a closed CAR's record.
func RecordObjectKey(carId string) string {
	return "records/" + carId + ".txt"
}

// RenderCarRecord lays out every field of the CAR as paginated plain text.
func RenderCarRecord(car models.Car) CarRecord {
	var lines []string
	section := func(title string) {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, strings.ToUpper(title), strings.Repeat("-", len(title)))
	}
	field := func(label, value string) {
		if value == "" {
			value = "-"
		}
		lines = append(lines, wrapIndented(label+": ", value)...)
	}

	lines = append(lines, "CORRECTIVE ACTION REQUEST", strings.Repeat("=", 25))
	field("Ref No", car.RefNo)
	field("CAR No", car.CarNo)
	field("Status", string(car.Status))
	if car.IsLate {
		field("Late", "Yes")
	}
	if car.ReissuedFromId != nil {
		field("Re-issued from", *car.ReissuedFromId)
	}

	section("Classification")
	field("Department", string(car.Department))
	field("ISO clause", car.IsoClause)
	field("Source", string(car.Source))
	field("Date of audit", car.DateOfAudit)

	section("Finding")
	field("Statement", car.Statement)
	field("Evidence", car.Evidence)
	field("Reference", car.Reference)
	field("Issued by", car.IssuedBy)
	field("Date issued", car.DateIssued)
	field("Due date", car.DueDate)

	section("Response")
	field("Acknowledged by", car.AcknowledgedBy)
	field("Date acknowledged", car.DateAcknowledged)
	field("Response submitted", car.DateResponseSubmitted)
	lines = append(lines, "Remedial actions:")
	lines = append(lines, numbered(car.RemedialActions)...)
	lines = append(lines, "Root causes:")
	causes := make([]string, 0, len(car.RootCauses))
	for _, rc := range car.RootCauses {
		causes = append(causes, rc.Cause)
	}
	lines = append(lines, numbered(causes)...)
	lines = append(lines, "Corrective actions:")
	actions := make([]string, 0, len(car.CorrectiveActions))
	for _, a := range car.CorrectiveActions {
		actions = append(actions, fmt.Sprintf("%s (responsible: %s, expected: %s)", a.Action, a.PersonResponsible, a.ExpectedDate))
	}
	lines = append(lines, numbered(actions)...)

	section("Review")
	field("Accepted by", car.AcceptedBy)
	field("Date accepted", car.DateAccepted)
	if car.IsReturned {
		field("Return remarks", car.ReturnRemarks)
	}

	section("Verification")
	field("Follow-up", car.FollowUpComment)
	field("Effective", optionalYesNo(car.IsEffective))
	field("Cleared", optionalYesNo(car.IsCleared))
	field("Verified by", car.VerifiedBy)
	field("Date verified", car.DateVerified)

	section("Validation")
	field("Validated by", car.ValidatedBy)
	field("Date validated", car.DateValidated)

	return CarRecord{CarId: car.ID, Pages: paginate(lines, car.RefNo)}
}

func numbered(items []string) []string {
	if len(items) == 0 {
		return []string{"  -"}
	}
	var out []string
	for i, it := range items {
		out = append(out, wrapIndented(fmt.Sprintf("  %d. ", i+1), it)...)
	}
	return out
}

// wrapIndented word-wraps text after prefix; continuation lines align under the text.
func wrapIndented(prefix, text string) []string {
	indent := strings.Repeat(" ", len(prefix))
	width := RecordLineWidth - len(prefix)
	if width < 20 {
		width = 20
	}
	var out []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		line := ""
		for _, w := range words {
			for len(w) > width {
				if line != "" {
					out = append(out, line)
					line = ""
				}
				out = append(out, w[:width])
				w = w[width:]
			}
			switch {
			case line == "":
				line = w
			case len(line)+1+len(w) > width:
				out = append(out, line)
				line = w
			default:
				line += " " + w
			}
		}
		if line != "" || len(words) == 0 {
			out = append(out, line)
		}
	}
	for i := range out {
		if i == 0 {
			out[i] = prefix + out[i]
		} else {
			out[i] = indent + out[i]
		}
	}
	return out
}

func paginate(lines []string, title string) []string {
	body := RecordLinesPerPage - 2
	total := (len(lines) + body - 1) / body
	if total == 0 {
		total = 1
	}
	pages := make([]string, 0, total)
	for p := 0; p < total; p++ {
		start := p * body
		end := min(start+body, len(lines))
		var b strings.Builder
		for _, l := range lines[start:end] {
			b.WriteString(strings.TrimRight(l, " "))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
		fmt.Fprintf(&b, "%s  Page %d of %d\n", title, p+1, total)
		pages = append(pages, b.String())
	}
	return pages
}
