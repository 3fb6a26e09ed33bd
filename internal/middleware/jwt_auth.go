package middleware

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fleetalert/fleetalert/internal/api"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// JWTAuthConfig configures the single-admin JWT scheme protecting the API.
type JWTAuthConfig struct {
	Enabled           bool
	AdminUsername     string
	AdminPasswordHash string
	JWTSecret         string
	JWTExpiryHours    int
	// SkipPaths bypass authentication. A trailing * matches by prefix,
	// so "/ws/*" covers the websocket endpoints.
	SkipPaths []string
}

// UserClaims are the JWT claims issued at login.
type UserClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ContextKey is a type for context keys
type ContextKey string

// UserContextKey is the context key for the authenticated user
const UserContextKey ContextKey = "user"

// JWTAuthMiddleware authenticates API requests with bearer tokens issued to
// the single admin account.
type JWTAuthMiddleware struct {
	username     string
	passwordHash string
	secret       []byte
	expiry       time.Duration

	skipExact  map[string]struct{}
	skipPrefix []string

	mu      sync.RWMutex
	enabled bool
}

// NewJWTAuthMiddleware creates a new JWT authentication middleware
func NewJWTAuthMiddleware(config *JWTAuthConfig) *JWTAuthMiddleware {
	m := &JWTAuthMiddleware{
		username:     config.AdminUsername,
		passwordHash: config.AdminPasswordHash,
		secret:       []byte(config.JWTSecret),
		expiry:       time.Duration(config.JWTExpiryHours) * time.Hour,
		skipExact:    make(map[string]struct{}),
		enabled:      config.Enabled,
	}
	for _, path := range config.SkipPaths {
		if strings.HasSuffix(path, "*") {
			m.skipPrefix = append(m.skipPrefix, strings.TrimSuffix(path, "*"))
		} else {
			m.skipExact[path] = struct{}{}
		}
	}
	return m
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// GenerateToken issues a signed token for the given username
func (m *JWTAuthMiddleware) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := UserClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "fleetalert",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken parses and verifies a token, returning its claims
func (m *JWTAuthMiddleware) ValidateToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{},
		func(token *jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// ValidateCredentials checks a login attempt against the admin account
func (m *JWTAuthMiddleware) ValidateCredentials(username, password string) bool {
	// Constant-time on the username so it leaks nothing either.
	if subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.passwordHash), []byte(password)) == nil
}

// TokenTTL returns the lifetime of issued tokens
func (m *JWTAuthMiddleware) TokenTTL() time.Duration {
	return m.expiry
}

// Wrap enforces bearer-token authentication on next, storing the username in
// the request context for handlers
func (m *JWTAuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.IsEnabled() || m.skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			m.unauthorized(w, "Missing authentication token")
			return
		}

		claims, err := m.ValidateToken(token)
		if err != nil {
			log.Printf("JWTAuthMiddleware: rejected token from %s: %v", r.RemoteAddr, err)
			m.unauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *JWTAuthMiddleware) skip(path string) bool {
	if _, ok := m.skipExact[path]; ok {
		return true
	}
	for _, prefix := range m.skipPrefix {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func (m *JWTAuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="API"`)
	api.RespondError(w, http.StatusUnauthorized, message)
}

// SetEnabled enables or disables authentication
func (m *JWTAuthMiddleware) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// IsEnabled returns whether authentication is enforced
func (m *JWTAuthMiddleware) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// GetUserFromContext returns the username from the request context
func GetUserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(UserContextKey).(string)
	return user
}
