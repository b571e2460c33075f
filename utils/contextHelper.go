package utils

import (
	"context"

	"github.com/mmdatafocus/qms_backend/appctx"
)

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyUsername      = appctx.ContextKeyUsername
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyUserName      = appctx.ContextKeyUserName
	ContextKeyUserRole      = appctx.ContextKeyUserRole
	ContextKeyDepartment    = appctx.ContextKeyDepartment
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyIsSuperUser   = appctx.ContextKeyIsSuperUser
	ContextKeyEditMode      = appctx.ContextKeyEditMode
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUsername)
}

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserName)
}

func GetUserRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserRole)
}

func GetDepartmentFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyDepartment)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetIsSuperUserFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsSuperUser)
}

func GetEditModeFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyEditMode)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetUsernameInContext(ctx context.Context, username string) context.Context {
	return appctx.Set(ctx, ContextKeyUsername, username)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetUserRoleInContext(ctx context.Context, role string) context.Context {
	return appctx.Set(ctx, ContextKeyUserRole, role)
}

func SetDepartmentInContext(ctx context.Context, department string) context.Context {
	return appctx.Set(ctx, ContextKeyDepartment, department)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetIsSuperUserInContext(ctx context.Context, isSuperUser bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsSuperUser, isSuperUser)
}

func SetEditModeInContext(ctx context.Context, editMode bool) context.Context {
	return appctx.Set(ctx, ContextKeyEditMode, editMode)
}
