// Package auth provides dashboard authentication: password login issuing
// JWT session tokens, and long-lived API keys for automation.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/store"
)

// APIKeyPrefix marks DeQ API keys so they are recognizable in configs and
// request headers.
const APIKeyPrefix = "deq_"

// Common errors returned by the auth service.
var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token has expired")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingClaims      = errors.New("missing required claims")
	ErrNotConfigured      = errors.New("authentication not configured")
)

// Claims are the validated contents of a session token.
type Claims struct {
	Subject string
	Exp     time.Time
}

// Config holds authentication configuration.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
}

// Service authenticates dashboard requests against the settings store.
type Service struct {
	jwtSecret   []byte
	tokenExpiry time.Duration
	settings    store.SettingsStore
	logger      *slog.Logger
}

// NewService creates an authentication service.
func NewService(cfg Config, settings store.SettingsStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		jwtSecret:   cfg.JWTSecret,
		tokenExpiry: expiry,
		settings:    settings,
		logger:      logger,
	}
}

// Enabled reports whether authentication is turned on. With auth disabled
// every request is anonymous but allowed.
func (s *Service) Enabled(ctx context.Context) bool {
	auth, err := s.settings.Auth(ctx)
	if err != nil {
		s.logger.Error("reading auth settings", "error", err)
		return true
	}
	return auth.Enabled
}

// Login checks the dashboard password and issues a session token.
func (s *Service) Login(ctx context.Context, password string) (string, error) {
	auth, err := s.settings.Auth(ctx)
	if err != nil {
		return "", fmt.Errorf("reading auth settings: %w", err)
	}
	if auth.PasswordHash == "" {
		return "", ErrNotConfigured
	}
	if err := bcrypt.CompareHashAndPassword([]byte(auth.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.GenerateToken("dashboard")
}

// SetPassword stores a bcrypt hash of the dashboard password.
func (s *Service) SetPassword(ctx context.Context, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	auth, err := s.settings.Auth(ctx)
	if err != nil {
		return fmt.Errorf("reading auth settings: %w", err)
	}
	auth.PasswordHash = string(hash)
	auth.Enabled = true
	return s.settings.SaveAuth(ctx, auth)
}

// GenerateToken creates a signed session token for the given subject.
func (s *Service) GenerateToken(subject string) (string, error) {
	if subject == "" {
		return "", ErrMissingClaims
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(s.tokenExpiry).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a session token and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	subject, ok := mapClaims["sub"].(string)
	if !ok || subject == "" {
		return nil, ErrMissingClaims
	}
	expFloat, ok := mapClaims["exp"].(float64)
	if !ok {
		return nil, ErrMissingClaims
	}
	return &Claims{
		Subject: subject,
		Exp:     time.Unix(int64(expFloat), 0),
	}, nil
}

// CreateAPIKey generates a new API key, stores its hash, and returns the
// plaintext key. The plaintext is shown to the user once and never stored.
func (s *Service) CreateAPIKey(ctx context.Context, name string) (string, *models.APIKey, error) {
	raw, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}

	key := models.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   HashAPIKey(raw),
		CreatedAt: time.Now().UTC(),
	}

	auth, err := s.settings.Auth(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("reading auth settings: %w", err)
	}
	auth.APIKeys = append(auth.APIKeys, key)
	if err := s.settings.SaveAuth(ctx, auth); err != nil {
		return "", nil, fmt.Errorf("saving API key: %w", err)
	}

	s.logger.Info("API key created", "id", key.ID, "name", name)
	return raw, &key, nil
}

// DeleteAPIKey removes a stored API key by id.
func (s *Service) DeleteAPIKey(ctx context.Context, id string) error {
	auth, err := s.settings.Auth(ctx)
	if err != nil {
		return fmt.Errorf("reading auth settings: %w", err)
	}

	kept := auth.APIKeys[:0]
	found := false
	for _, key := range auth.APIKeys {
		if key.ID == id {
			found = true
			continue
		}
		kept = append(kept, key)
	}
	if !found {
		return store.ErrNotFound
	}
	auth.APIKeys = kept
	return s.settings.SaveAuth(ctx, auth)
}

// ValidateAPIKey checks a presented key against the stored hashes and
// returns the matching key record.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*models.APIKey, error) {
	if apiKey == "" || !strings.HasPrefix(apiKey, APIKeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	auth, err := s.settings.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading auth settings: %w", err)
	}

	hash := HashAPIKey(apiKey)
	for i := range auth.APIKeys {
		if SecureCompare(auth.APIKeys[i].KeyHash, hash) {
			return &auth.APIKeys[i], nil
		}
	}
	return nil, ErrInvalidAPIKey
}

// GenerateAPIKey generates a new random API key with the DeQ prefix.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(strings.TrimPrefix(key, APIKeyPrefix)))
	return hex.EncodeToString(hash[:])
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// SecureCompare performs a constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
