package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidRole        = errors.New("invalid role")
)

// userNamespace derives stable user ids from usernames.
var userNamespace = uuid.MustParse("6f1c9a52-43a8-4d0e-9a55-1f4a7e0b2c11")

// User is an account from the configuration.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	Role         string
}

type apiToken struct {
	name string
	hash string
	role string
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID      uuid.UUID
	Username    string
	Role        string
	Permissions []Permission
}

// AuthService authenticates control API callers. When disabled every
// request is treated as an admin.
type AuthService struct {
	enabled        bool
	users          map[string]User
	tokens         []apiToken
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	tokenGen       *APITokenGenerator
	logger         *zap.Logger
}

func ValidRole(role string) bool {
	switch role {
	case "operator", "technician", "admin":
		return true
	}
	return false
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) (*AuthService, error) {
	a := &AuthService{
		enabled:        cfg.Enabled,
		users:          make(map[string]User, len(cfg.Users)),
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		tokenGen:       NewAPITokenGenerator(),
		logger:         logger,
	}

	for _, u := range cfg.Users {
		if !ValidRole(u.Role) {
			return nil, fmt.Errorf("%w %q for user %s", ErrInvalidRole, u.Role, u.Username)
		}
		if _, dup := a.users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate user %s", u.Username)
		}
		a.users[u.Username] = User{
			ID:           uuid.NewSHA1(userNamespace, []byte(u.Username)),
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Role:         u.Role,
		}
	}
	for _, t := range cfg.Tokens {
		if !ValidRole(t.Role) {
			return nil, fmt.Errorf("%w %q for token %s", ErrInvalidRole, t.Role, t.Name)
		}
		a.tokens = append(a.tokens, apiToken{name: t.Name, hash: strings.ToLower(t.Hash), role: t.Role})
	}

	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("Auth enabled with a development JWT secret", zap.String("env", cfg.JWTSecretEnv))
	}
	return a, nil
}

func (a *AuthService) Enabled() bool { return a.enabled }

// LoginUser checks the password and issues an access token.
func (a *AuthService) LoginUser(username, password, ipAddress string) (string, time.Time, error) {
	user, ok := a.users[username]
	if !ok {
		a.logger.Info("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "unknown user"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		a.logger.Info("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "invalid password"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expires, err := a.jwtHandler.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}
	a.logger.Info("Login succeeded", zap.String("username", username), zap.String("ip", ipAddress))
	return token, expires, nil
}

// ValidateToken accepts a JWT access token or a configured API token.
func (a *AuthService) ValidateToken(token string) (*Principal, error) {
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return &Principal{
			UserID:      claims.UserID,
			Username:    claims.Username,
			Role:        claims.Role,
			Permissions: RoleToPermissions(claims.Role),
		}, nil
	}

	if !a.tokenGen.ValidateTokenFormat(token) {
		return nil, ErrInvalidToken
	}
	hash := a.tokenGen.HashToken(token)
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(t.hash)) == 1 {
			return &Principal{Username: t.name, Role: t.role, Permissions: RoleToPermissions(t.role)}, nil
		}
	}
	return nil, ErrInvalidToken
}

// HashPassword hashes with the service defaults.
func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}

// GenerateAPIToken returns a new token and the hash to put in the config.
func (a *AuthService) GenerateAPIToken() (string, string, error) {
	return a.tokenGen.GenerateToken()
}

func RoleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}
