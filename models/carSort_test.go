package models

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/qms_backend/utils"
)

func TestParseCarSort(t *testing.T) {
	s, err := ParseCarSort("", "")
	if err != nil || s.Field != CarSortCreatedAt || !s.Desc {
		t.Fatalf("default sort: %+v %v", s, err)
	}
	s, err = ParseCarSort("due_date", "DESC")
	if err != nil || s.Field != CarSortDueDate || !s.Desc {
		t.Fatalf("due_date desc: %+v %v", s, err)
	}
	if _, err := ParseCarSort("priority", ""); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := ParseCarSort("status", "sideways"); err == nil {
		t.Fatalf("expected unknown direction error")
	}
}

func TestSortCarsUnparseableDatesLast(t *testing.T) {
	cars := []Car{
		{ID: "a", DueDate: "not-a-date"},
		{ID: "b", DueDate: "2024-05-01"},
		{ID: "c", DueDate: "2024-03-01"},
	}
	for _, desc := range []bool{false, true} {
		got := append([]Car(nil), cars...)
		SortCars(got, CarSort{Field: CarSortDueDate, Desc: desc})
		if got[2].ID != "a" {
			t.Fatalf("desc=%v: unparseable date should sort last, got %s,%s,%s", desc, got[0].ID, got[1].ID, got[2].ID)
		}
	}
	SortCars(cars, CarSort{Field: CarSortDueDate})
	if cars[0].ID != "c" || cars[1].ID != "b" {
		t.Fatalf("ascending: got %s,%s", cars[0].ID, cars[1].ID)
	}
}

func TestSortCarsByStatusRankThenID(t *testing.T) {
	cars := []Car{
		{ID: "2", Status: CarStatusClosed},
		{ID: "3", Status: CarStatusOpen},
		{ID: "1", Status: CarStatusOpen},
		{ID: "4", Status: CarStatusReturned},
	}
	SortCars(cars, CarSort{Field: CarSortStatus})
	want := []string{"1", "3", "4", "2"}
	for i, id := range want {
		if cars[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, cars[i].ID)
		}
	}
}

func TestSortCarsDefaultNewestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cars := []Car{{ID: "old", CreatedAt: base}, {ID: "new", CreatedAt: base.Add(time.Hour)}}
	SortCars(cars, CarSort{})
	if cars[0].ID != "new" {
		t.Fatalf("expected newest first, got %s", cars[0].ID)
	}
}

func TestCarFilterMatches(t *testing.T) {
	car := Car{RefNo: "IA-2024-07", Statement: "Unlabelled specimen", Status: CarStatusOpen, Department: "Laboratory", Source: SourceInternalAudit}
	cases := []struct {
		filter CarFilter
		want   bool
	}{
		{CarFilter{}, true},
		{CarFilter{Statuses: []CarStatus{CarStatusClosed, CarStatusOpen}}, true},
		{CarFilter{Statuses: []CarStatus{CarStatusClosed}}, false},
		{CarFilter{Department: "Pharmacy"}, false},
		{CarFilter{Source: SourceKPI}, false},
		{CarFilter{LateOnly: true}, false},
		{CarFilter{Search: "specimen"}, true},
		{CarFilter{Search: "ia-2024"}, true},
		{CarFilter{Search: "billing"}, false},
	}
	for i, tc := range cases {
		if got := tc.filter.Matches(&car); got != tc.want {
			t.Fatalf("case %d (%+v): expected %v, got %v", i, tc.filter, tc.want, got)
		}
	}
}

func TestCarCloneIsDeep(t *testing.T) {
	yes := true
	from := "car-0"
	car := Car{
		RemedialActions: []string{"segregate stock"},
		RootCauses:      []RootCause{{ID: "r1", Cause: "no check"}},
		IsEffective:     &yes,
		ReissuedFromId:  &from,
	}
	car.SetRCA(RCAData{Chains: []RCAChain{{ID: "c1", Whys: []string{"why"}}}})

	clone := car.Clone()
	clone.RemedialActions[0] = "changed"
	clone.RootCauses[0].Cause = "changed"
	*clone.IsEffective = false
	*clone.ReissuedFromId = "other"
	rca := clone.RCA()
	rca.Chains[0].Whys[0] = "changed"

	if car.RemedialActions[0] != "segregate stock" || car.RootCauses[0].Cause != "no check" {
		t.Fatalf("slices aliased")
	}
	if !*car.IsEffective || *car.ReissuedFromId != "car-0" {
		t.Fatalf("pointers aliased")
	}
	if car.RCA().Chains[0].Whys[0] != "why" {
		t.Fatalf("rca aliased")
	}
}

func TestCarNormalizeRendersEmptyLists(t *testing.T) {
	var car Car
	car.Normalize()
	raw, err := json.Marshal(car)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"remedial_actions":[]`, `"root_causes":[]`, `"corrective_actions":[]`, `"chains":[]`, `"pareto_items":[]`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("expected %s in %s", want, raw)
		}
	}
}

func TestEnumsRejectUnknownValues(t *testing.T) {
	var status CarStatus
	if err := json.Unmarshal([]byte(`"DONE"`), &status); err == nil {
		t.Fatalf("expected invalid status error")
	}
	var dept Department
	if err := json.Unmarshal([]byte(`"Kitchen"`), &dept); err == nil {
		t.Fatalf("expected invalid department error")
	}
	if err := json.Unmarshal([]byte(`""`), &dept); err != nil {
		t.Fatalf("empty department should decode: %v", err)
	}
	if !CarStatusReturned.AwaitingResponse() || CarStatusAccepted.AwaitingResponse() {
		t.Fatalf("unexpected AwaitingResponse")
	}
	if CarStatus("X").Rank() <= CarStatusClosed.Rank() {
		t.Fatalf("unknown statuses should rank last")
	}
}

func TestClampTrailLimit(t *testing.T) {
	if ClampTrailLimit(0) != DefaultGlobalTrailLimit || ClampTrailLimit(-3) != DefaultGlobalTrailLimit {
		t.Fatalf("non-positive limit should use the default")
	}
	if ClampTrailLimit(MaxGlobalTrailLimit+1) != MaxGlobalTrailLimit {
		t.Fatalf("limit should be capped")
	}
	if ClampTrailLimit(7) != 7 {
		t.Fatalf("limit within range should pass through")
	}
}

func TestNewCarEventRecordSnapshotsReissue(t *testing.T) {
	ctx := utils.SetCorrelationIdInContext(context.Background(), "cid-7")
	original := Car{ID: "car-1", Status: CarStatusIneffective}
	reissued := Car{ID: "car-2", Status: CarStatusOpen}
	ch := CarChange{Car: original, Reissued: &reissued}

	entry := AuditTrail{CarId: "car-2", Action: AuditActionCarCreated, UserName: "Ana"}
	record, err := NewCarEventRecord(ctx, entry, ch.snapshotFor(entry.CarId))
	if err != nil {
		t.Fatalf("NewCarEventRecord: %v", err)
	}
	if record.CorrelationId != "cid-7" || record.PublishStatus != OutboxPublishStatusPending {
		t.Fatalf("unexpected record: %+v", record)
	}
	var snap Car
	if err := json.Unmarshal(record.Snapshot, &snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ID != "car-2" {
		t.Fatalf("expected reissued snapshot, got %s", snap.ID)
	}

	msg := ConvertToCarEventMessage(record)
	if msg.CarId != "car-2" || msg.Action != string(AuditActionCarCreated) || msg.CorrelationId != "cid-7" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
