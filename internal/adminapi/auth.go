package adminapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// Argon2Params are the KDF parameters used to hash the admin password.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultArgon2Params matches common interactive-login guidance: ~64MB,
// 3 passes, parallelism 2.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLen: 16, KeyLen: 32}
}

// HashPassword returns a self-describing "salt:hash" base64 pair.
func HashPassword(password string, p Argon2Params) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLen)
	return base64.RawStdEncoding.EncodeToString(salt) + ":" + base64.RawStdEncoding.EncodeToString(hash), nil
}

// VerifyPassword checks password against an encoded hash produced by
// HashPassword, in constant time.
func VerifyPassword(password, encoded string, p Argon2Params) bool {
	parts := strings.SplitN(encoded, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// SessionManager issues and validates HMAC-signed session tokens for the
// admin API. It does not depend on any external JWT library: the token is a
// base64url payload.signature pair, signed with HMAC-SHA256.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionManager constructs a SessionManager with the given signing
// secret and token lifetime.
func NewSessionManager(secret []byte, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionManager{secret: secret, ttl: ttl}
}

type sessionClaims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
}

// Issue returns a signed session token for the given admin username.
func (s *SessionManager) Issue(username string) (string, error) {
	claims := sessionClaims{Subject: username, ExpiresAt: time.Now().Add(s.ttl).Unix()}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	encPayload := base64.RawURLEncoding.EncodeToString(payload)
	sig := s.sign(encPayload)
	return encPayload + "." + sig, nil
}

// Validate checks a token's signature and expiry, returning the subject.
func (s *SessionManager) Validate(token string) (string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", errors.New("malformed token")
	}
	expected := s.sign(parts[0])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parts[1])) != 1 {
		return "", errors.New("invalid signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	var claims sessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("decode claims: %w", err)
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return "", errors.New("token expired")
	}
	return claims.Subject, nil
}

func (s *SessionManager) sign(data string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// AdminCredentials gates the admin surface. A zero-value AdminCredentials
// (empty Username) disables admin auth entirely — every request passes.
type AdminCredentials struct {
	Username     string
	PasswordHash string
	Params       Argon2Params
	Sessions     *SessionManager
}

// Enabled reports whether admin auth is configured.
func (a AdminCredentials) Enabled() bool { return a.Username != "" }

// Guard wraps handlers that must only run for an authenticated admin. When
// admin auth is not configured, it is a no-op pass-through by design: the
// surface is then assumed to sit behind an external reverse proxy.
func (a AdminCredentials) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		authz := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if _, err := a.Sessions.Validate(token); err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
