package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/utils"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type User struct {
	ID          int        `gorm:"primary_key" json:"id"`
	Username    string     `gorm:"size:100;not null;unique" json:"username"`
	Name        string     `gorm:"size:100;not null" json:"name"`
	Password    string     `gorm:"size:255;not null" json:"password,omitempty"`
	Role        UserRole   `gorm:"size:20;not null" json:"role"`
	Department  Department `gorm:"size:100" json:"department"`
	IsSuperUser bool       `gorm:"not null;default:false" json:"is_super_user"`
	IsActive    *bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type LoginInfo struct {
	Token       string     `json:"token"`
	Username    string     `json:"username"`
	Name        string     `json:"name"`
	Role        UserRole   `json:"role"`
	Department  Department `json:"department"`
	IsSuperUser bool       `json:"is_super_user"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

var ErrInvalidCredentials = errors.New("invalid username or password")

func userCacheKey(username string) string { return "User:" + username }
func tokenKey(token string) string        { return "Token:" + token }

func (user *User) PrepareGive() {
	user.Password = ""
}

func (user User) RemoveInstanceRedis() error {
	return config.RemoveRedisKey(userCacheKey(user.Username))
}

// GetUserByUsername reads through the Redis cache.
func GetUserByUsername(ctx context.Context, db *gorm.DB, username string) (*User, error) {
	var user User
	exists, err := config.GetRedisObject(userCacheKey(username), &user)
	if err != nil {
		exists = false
	}
	if exists {
		return &user, nil
	}
	if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	_ = config.SetRedisObject(userCacheKey(username), &user, utils.TokenLifespan())
	return &user, nil
}

func Login(ctx context.Context, db *gorm.DB, username string, password string) (*LoginInfo, error) {
	username = strings.TrimSpace(username)
	user, err := GetUserByUsername(ctx, db, username)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := utils.ComparePassword(user.Password, password); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.IsActive != nil && !*user.IsActive {
		return nil, errors.New("user is disabled")
	}

	token, err := utils.JwtGenerate(user.ID, user.Username, string(user.Role))
	if err != nil {
		return nil, err
	}
	lifespan := utils.TokenLifespan()
	// The token must also exist in Redis to be honoured, which makes logout effective.
	if err := config.SetRedisValue(tokenKey(token), user.Username, lifespan); err != nil {
		return nil, err
	}

	return &LoginInfo{
		Token:       token,
		Username:    user.Username,
		Name:        user.Name,
		Role:        user.Role,
		Department:  user.Department,
		IsSuperUser: user.IsSuperUser,
		ExpiresAt:   time.Now().Add(lifespan),
	}, nil
}

// destroy current session
func Logout(ctx context.Context) (bool, error) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return false, errors.New("token is required")
	}
	if err := config.RemoveRedisKey(tokenKey(token)); err != nil {
		return false, err
	}
	return true, nil
}

// SessionUsername resolves a bearer token to its username.
// found=false means the token was revoked or has expired.
func SessionUsername(token string) (username string, found bool, err error) {
	claims, err := utils.JwtValidate(token)
	if err != nil {
		return "", false, nil
	}
	if config.GetRedisDB() == nil {
		return claims.Username, true, nil
	}
	username, found, err = config.GetRedisValue(tokenKey(token))
	if err != nil || !found {
		return "", false, err
	}
	return username, true, nil
}

type NewUser struct {
	Username    string     `json:"username" validate:"required,max=100"`
	Name        string     `json:"name" validate:"required,max=100"`
	Password    string     `json:"password" validate:"required,min=8"`
	Role        UserRole   `json:"role" validate:"required"`
	Department  Department `json:"department"`
	IsSuperUser bool       `json:"is_super_user"`
}

// CreateOrUpdateUser upserts by username; used by the seed command.
func CreateOrUpdateUser(ctx context.Context, db *gorm.DB, input NewUser) (*User, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.Role == UserRoleSection && !input.Department.IsValid() {
		return nil, errors.New("section users need a valid department")
	}
	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	var user User
	err = db.WithContext(ctx).Where("username = ?", input.Username).Take(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	user.Username = input.Username
	user.Name = input.Name
	user.Password = string(hashed)
	user.Role = input.Role
	user.Department = input.Department
	user.IsSuperUser = input.IsSuperUser
	user.IsActive = utils.NewTrue()
	if err := db.WithContext(ctx).Save(&user).Error; err != nil {
		return nil, err
	}
	_ = user.RemoveInstanceRedis()
	user.PrepareGive()
	return &user, nil
}
