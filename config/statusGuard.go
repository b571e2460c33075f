package config

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/qms_backend/appctx"
	"gorm.io/gorm"
)

// ErrStatusWriteOutsideTransition is returned when a write touches a guarded
// status column without the lifecycle transition marker in its context.
var ErrStatusWriteOutsideTransition = errors.New("status can only change through a lifecycle transition")

// StatusGuardPlugin refuses updates to the status column of guarded tables
// unless the statement's context carries appctx.ContextKeyStatusTransition.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL.
// - Creates are allowed; a record's initial status is set by its constructor.
type StatusGuardPlugin struct {
	tables map[string]bool
}

func NewStatusGuardPlugin(tables ...string) *StatusGuardPlugin {
	if len(tables) == 0 {
		tables = []string{"cars"}
	}
	p := &StatusGuardPlugin{tables: make(map[string]bool, len(tables))}
	for _, t := range tables {
		p.tables[strings.ToLower(t)] = true
	}
	return p
}

func (p *StatusGuardPlugin) Name() string { return "status_guard" }

func (p *StatusGuardPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Update().Before("gorm:update").Register("status_guard:update", p.guard)
}

func (p *StatusGuardPlugin) guard(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	if !p.tables[strings.ToLower(db.Statement.Schema.Table)] {
		return
	}
	if IsStatusTransition(db.Statement.Context) {
		return
	}
	if !statementTouchesStatus(db.Statement) {
		return
	}
	_ = db.AddError(ErrStatusWriteOutsideTransition)
}

func statementTouchesStatus(stmt *gorm.Statement) bool {
	switch v := stmt.Dest.(type) {
	case map[string]interface{}:
		for k := range v {
			if strings.EqualFold(k, "status") {
				return true
			}
		}
		return false
	}
	for _, omit := range stmt.Omits {
		if strings.EqualFold(omit, "status") {
			return false
		}
	}
	// Struct updates (Save/Updates) write every selected column.
	if len(stmt.Selects) > 0 {
		for _, s := range stmt.Selects {
			if s == "*" || strings.EqualFold(s, "status") {
				return true
			}
		}
		return false
	}
	return true
}

func IsStatusTransition(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := appctx.GetBool(ctx, appctx.ContextKeyStatusTransition)
	return ok && v
}

func WithStatusTransition(ctx context.Context) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyStatusTransition, true)
}
