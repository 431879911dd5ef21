package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"lifeboat/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	authNamespace = "auth"
	authTokenKey  = "token"

	// MaxDeviceToken is the longest device token SETTOKEN accepts.
	MaxDeviceToken = 64

	apiSubject = "operator"
)

// Domain errors for auth flows.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrEmptyToken         = errors.New("empty token")
	ErrTokenTooLong       = errors.New("token too long")
)

// AuthService checks the device token shared by the command transport and
// the HTTP API, and issues API bearer tokens.
type AuthService struct {
	kv           repository.KVStore
	defaultToken string
	signingKey   []byte
	ttl          time.Duration
}

func NewAuthService(kv repository.KVStore, defaultToken, signingKey string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AuthService{kv: kv, defaultToken: defaultToken, signingKey: []byte(signingKey), ttl: ttl}
}

// VerifyDeviceToken compares token against the stored hash, or the configured
// default when no token was ever set.
func (s *AuthService) VerifyDeviceToken(ctx context.Context, token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	hash, ok, err := s.kv.GetString(ctx, authNamespace, authTokenKey)
	if err != nil || !ok || hash == "" {
		return subtle.ConstantTimeCompare([]byte(token), []byte(s.defaultToken)) == 1
	}
	return verifyPassword(hash, token) == nil
}

// SetDeviceToken replaces the device token. Only a bcrypt hash is stored.
func (s *AuthService) SetDeviceToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	if len(token) > MaxDeviceToken {
		return ErrTokenTooLong
	}
	hash, err := hashPassword(token)
	if err != nil {
		return err
	}
	if err := s.kv.SetString(ctx, authNamespace, authTokenKey, hash); err != nil {
		return fmt.Errorf("store device token: %w", err)
	}
	return nil
}

// Claims defines JWT claims
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken exchanges the device token for a bearer token.
func (s *AuthService) GenerateToken(ctx context.Context, deviceToken string) (string, error) {
	if !s.VerifyDeviceToken(ctx, deviceToken) {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(apiSubject)
}

// ParseToken validates a bearer token and returns its subject.
func (s *AuthService) ParseToken(accessToken string) (string, error) {
	token, err := jwt.ParseWithClaims(accessToken, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Ensure HMAC signing is used
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// helper: hash a secret safely
func hashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func verifyPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func (s *AuthService) issueToken(subject string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	return token.SignedString(s.signingKey)
}
