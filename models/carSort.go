package models

import (
	"cmp"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/qms_backend/utils"
	"gorm.io/gorm"
)

type CarSortField string

const (
	CarSortRefNo       CarSortField = "ref_no"
	CarSortCarNo       CarSortField = "car_no"
	CarSortDepartment  CarSortField = "department"
	CarSortSource      CarSortField = "source"
	CarSortStatus      CarSortField = "status"
	CarSortDateOfAudit CarSortField = "date_of_audit"
	CarSortDateIssued  CarSortField = "date_issued"
	CarSortDueDate     CarSortField = "due_date"
	CarSortCreatedAt   CarSortField = "created_at"
)

type carComparator func(a, b *Car) (c int, comparable bool)

var carComparators = map[CarSortField]carComparator{
	CarSortRefNo:       textCmp(func(c *Car) string { return c.RefNo }),
	CarSortCarNo:       textCmp(func(c *Car) string { return c.CarNo }),
	CarSortDepartment:  textCmp(func(c *Car) string { return string(c.Department) }),
	CarSortSource:      textCmp(func(c *Car) string { return string(c.Source) }),
	CarSortStatus:      func(a, b *Car) (int, bool) { return cmp.Compare(a.Status.Rank(), b.Status.Rank()), true },
	CarSortDateOfAudit: dateCmp(func(c *Car) string { return c.DateOfAudit }),
	CarSortDateIssued:  dateCmp(func(c *Car) string { return c.DateIssued }),
	CarSortDueDate:     dateCmp(func(c *Car) string { return c.DueDate }),
	CarSortCreatedAt:   func(a, b *Car) (int, bool) { return a.CreatedAt.Compare(b.CreatedAt), true },
}

// CarSort orders CAR listings. The zero value sorts newest first.
type CarSort struct {
	Field CarSortField
	Desc  bool
}

func ParseCarSort(field string, direction string) (CarSort, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return CarSort{Field: CarSortCreatedAt, Desc: true}, nil
	}
	f := CarSortField(field)
	if _, ok := carComparators[f]; !ok {
		return CarSort{}, fmt.Errorf("unsupported sort field %q", field)
	}
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "", "asc":
		return CarSort{Field: f}, nil
	case "desc":
		return CarSort{Field: f, Desc: true}, nil
	}
	return CarSort{}, fmt.Errorf("unsupported sort direction %q", direction)
}

// Compare returns <0 when a sorts before b. Values that cannot be compared
// (unparseable dates) always sort last, whatever the direction.
func (s CarSort) Compare(a, b *Car) int {
	field := s.Field
	if field == "" {
		field = CarSortCreatedAt
	}
	c, ok := carComparators[field](a, b)
	if !ok {
		return c
	}
	if s.Desc {
		c = -c
	}
	if c == 0 {
		return strings.Compare(a.ID, b.ID)
	}
	return c
}

func SortCars(cars []Car, s CarSort) {
	if s.Field == "" {
		s = CarSort{Field: CarSortCreatedAt, Desc: true}
	}
	sort.SliceStable(cars, func(i, j int) bool {
		return s.Compare(&cars[i], &cars[j]) < 0
	})
}

func textCmp(get func(*Car) string) carComparator {
	return func(a, b *Car) (int, bool) {
		return strings.Compare(strings.ToLower(get(a)), strings.ToLower(get(b))), true
	}
}

func dateCmp(get func(*Car) string) carComparator {
	return func(a, b *Car) (int, bool) {
		ta, errA := time.Parse(utils.DateLayout, get(a))
		tb, errB := time.Parse(utils.DateLayout, get(b))
		switch {
		case errA != nil && errB != nil:
			return 0, true
		case errA != nil:
			return 1, false
		case errB != nil:
			return -1, false
		}
		return ta.Compare(tb), true
	}
}

type CarFilter struct {
	Statuses   []CarStatus
	Department Department
	Source     Source
	LateOnly   bool
	Search     string
}

func (f CarFilter) Scope(db *gorm.DB) *gorm.DB {
	if len(f.Statuses) > 0 {
		db = db.Where("status IN ?", f.Statuses)
	}
	if f.Department != "" {
		db = db.Where("department = ?", f.Department)
	}
	if f.Source != "" {
		db = db.Where("source = ?", f.Source)
	}
	if f.LateOnly {
		db = db.Where("is_late = ?", true)
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		like := "%" + q + "%"
		db = db.Where("ref_no LIKE ? OR car_no LIKE ? OR statement LIKE ?", like, like, like)
	}
	return db
}

// Matches is the in-memory equivalent of Scope.
func (f CarFilter) Matches(c *Car) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if c.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Department != "" && c.Department != f.Department {
		return false
	}
	if f.Source != "" && c.Source != f.Source {
		return false
	}
	if f.LateOnly && !c.IsLate {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(c.RefNo), q) &&
			!strings.Contains(strings.ToLower(c.CarNo), q) &&
			!strings.Contains(strings.ToLower(c.Statement), q) {
			return false
		}
	}
	return true
}
