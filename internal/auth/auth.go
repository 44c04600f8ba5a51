package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is the key type for context values.
type ContextKey string

// CallerContextKey carries the authenticated caller identity.
const CallerContextKey ContextKey = "caller"

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// Caller identifies an authenticated host process.
type Caller struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

type claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager issues and validates HMAC bearer tokens for the host API.
type JWTManager struct {
	signingKey []byte
	expiry     time.Duration
}

func NewJWTManager(signingKey string, expiry time.Duration) *JWTManager {
	if expiry == 0 {
		expiry = time.Hour
	}
	return &JWTManager{signingKey: []byte(signingKey), expiry: expiry}
}

// GenerateToken issues a signed access token for a subject.
func (j *JWTManager) GenerateToken(subject, role string) (string, error) {
	now := time.Now()
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(j.signingKey)
}

// ValidateToken parses and verifies a bearer token.
func (j *JWTManager) ValidateToken(tokenString string) (*Caller, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	c, ok := token.Claims.(*claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return &Caller{Subject: c.Subject, Role: c.Role}, nil
}

// HashAPIKey produces a bcrypt hash for storage in config.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Middleware authenticates host requests via a bearer token or X-API-Key.
type Middleware struct {
	jwt        *JWTManager
	apiKeyHash string // bcrypt hash of the static host key; empty disables key auth
	skipAuth   bool
	logger     *zap.Logger
}

func NewMiddleware(jwtManager *JWTManager, apiKeyHash string, skipAuth bool, logger *zap.Logger) *Middleware {
	return &Middleware{jwt: jwtManager, apiKeyHash: apiKeyHash, skipAuth: skipAuth, logger: logger}
}

// Handler wraps next with authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			ctx := context.WithValue(r.Context(), CallerContextKey, &Caller{Subject: "dev", Role: "owner"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				// EventSource and browser WebSocket clients cannot set
				// custom headers.
				apiKey = r.URL.Query().Get("api_key")
			}
			if apiKey != "" && m.apiKeyHash != "" {
				if bcrypt.CompareHashAndPassword([]byte(m.apiKeyHash), []byte(apiKey)) == nil {
					ctx := context.WithValue(r.Context(), CallerContextKey, &Caller{Subject: "api-key", Role: "host"})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
			return
		}
		caller, err := m.jwt.ValidateToken(token)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), CallerContextKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFromContext returns the authenticated caller, or nil.
func CallerFromContext(ctx context.Context) *Caller {
	caller, _ := ctx.Value(CallerContextKey).(*Caller)
	return caller
}
