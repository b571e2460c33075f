package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyToken         = ContextKey("Token")
	ContextKeyUsername      = ContextKey("Username")
	ContextKeyUserId        = ContextKey("UserId")
	ContextKeyUserName      = ContextKey("UserName")
	ContextKeyUserRole      = ContextKey("UserRole")
	ContextKeyDepartment    = ContextKey("Department")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyIsSuperUser is true for accounts allowed to bypass workflow gates.
	ContextKeyIsSuperUser = ContextKey("IsSuperUser")

	// ContextKeyEditMode is set from the X-Edit-Mode header. Only meaningful together with IsSuperUser.
	ContextKeyEditMode = ContextKey("EditMode")

	// ContextKeyStatusTransition marks a write issued by the lifecycle service.
	// The status guard plugin rejects status updates without it.
	ContextKeyStatusTransition = ContextKey("StatusTransition")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func GetInt(ctx context.Context, key ContextKey) (int, bool) {
	v, ok := ctx.Value(key).(int)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
