package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "openmodbussim"

type JWTClaims struct {
	UserID   uuid.UUID `json:"sub"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
	jwt.RegisteredClaims
}

type JWTHandler struct {
	secretKey      []byte
	accessTokenTTL time.Duration
}

func NewJWTHandler(secretKey string, accessTTL time.Duration) *JWTHandler {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &JWTHandler{
		secretKey:      []byte(secretKey),
		accessTokenTTL: accessTTL,
	}
}

// GenerateAccessToken creates a signed HS256 token and returns its expiry.
func (j *JWTHandler) GenerateAccessToken(userID uuid.UUID, username, role string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(j.accessTokenTTL)
	claims := JWTClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ValidateAccessToken accepts only HS256 tokens issued by this server whose
// role is still known.
func (j *JWTHandler) ValidateAccessToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return j.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !ValidRole(claims.Role) {
		return nil, fmt.Errorf("%w %q in token", ErrInvalidRole, claims.Role)
	}
	return claims, nil
}
