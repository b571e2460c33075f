package workflow

import (
	"fmt"
	"strings"
	"testing"

	"github.com/mmdatafocus/qms_backend/models"
)

func TestRenderCarRecord(t *testing.T) {
	no := false
	car := models.Car{
		ID: "c1", RefNo: "IQA-1", Status: models.CarStatusClosed, Department: "Laboratory",
		Statement: "Specimen labels not verified", IsEffective: &no, ValidatedBy: "Carla Lim",
		RemedialActions:   []string{"Relabel"},
		CorrectiveActions: []models.CorrectiveAction{{Action: "Double check", PersonResponsible: "Ben", ExpectedDate: "2024-04-01"}},
	}
	rec := RenderCarRecord(car)
	if rec.CarId != "c1" || len(rec.Pages) != 1 {
		t.Fatalf("expected one page, got %d", len(rec.Pages))
	}
	text := rec.Text()
	for _, want := range []string{
		"Ref No: IQA-1",
		"Statement: Specimen labels not verified",
		"  1. Relabel",
		"Double check (responsible: Ben, expected: 2024-04-01)",
		"Effective: No",
		"Validated by: Carla Lim",
		"IQA-1  Page 1 of 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("record missing %q:\n%s", want, text)
		}
	}
}

func TestRenderCarRecord_PaginatesAndWraps(t *testing.T) {
	var actions []string
	for i := 0; i < 80; i++ {
		actions = append(actions, "Retrain the night shift on specimen labelling")
	}
	long := strings.Repeat("evidence ", 40)
	rec := RenderCarRecord(models.Car{ID: "c2", RefNo: "R2", RemedialActions: actions, Evidence: long})
	if len(rec.Pages) < 2 {
		t.Fatalf("expected several pages, got %d", len(rec.Pages))
	}
	for i, p := range rec.Pages {
		lines := strings.Split(strings.TrimRight(p, "\n"), "\n")
		if len(lines) > RecordLinesPerPage {
			t.Fatalf("page %d has %d lines", i+1, len(lines))
		}
		for _, l := range lines {
			if len(l) > RecordLineWidth {
				t.Fatalf("page %d line too wide (%d): %q", i+1, len(l), l)
			}
		}
	}
	n := len(rec.Pages)
	if want := fmt.Sprintf("R2  Page %d of %d", n, n); !strings.Contains(rec.Pages[n-1], want) {
		t.Fatalf("missing footer %q", want)
	}
}

func TestRecordObjectKey(t *testing.T) {
	if got := RecordObjectKey("abc"); got != "records/abc.txt" {
		t.Fatalf("unexpected key %s", got)
	}
}
