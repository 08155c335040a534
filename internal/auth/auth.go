package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Avicted/courier/internal/user"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = errors.New("token expired")
)

type Session struct {
	Token     string
	UserID    user.ID
	ExpiresAt time.Time
}

// Service issues and validates signed session tokens. The identity inside a
// valid token is trusted as given; credentials are checked upstream.
type Service struct {
	secret   []byte
	now      func() time.Time
	tokenTTL time.Duration
}

func NewService(secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		secret:   append([]byte(nil), secret...),
		now:      time.Now,
		tokenTTL: ttl,
	}
}

func (s *Service) Issue(userID user.ID) (Session, error) {
	if len(s.secret) == 0 {
		return Session{}, errors.New("token secret is required")
	}
	id := user.ID(strings.TrimSpace(string(userID)))
	if !id.Valid() || strings.ContainsAny(string(id), "\r\n") {
		return Session{}, ErrInvalidInput
	}

	expires := s.now().Add(s.tokenTTL).UTC().Truncate(time.Second)
	payload := strconv.FormatInt(expires.Unix(), 10) + ":" + string(id)
	token := encode([]byte(payload)) + "." + encode(s.sign([]byte(payload)))
	return Session{Token: token, UserID: id, ExpiresAt: expires}, nil
}

func (s *Service) ValidateToken(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(s.secret) == 0 {
		return Session{}, ErrUnauthorized
	}

	payloadPart, macPart, ok := strings.Cut(token, ".")
	if !ok {
		return Session{}, ErrUnauthorized
	}
	payload, err := decode(payloadPart)
	if err != nil {
		return Session{}, ErrUnauthorized
	}
	mac, err := decode(macPart)
	if err != nil {
		return Session{}, ErrUnauthorized
	}
	if !hmac.Equal(mac, s.sign(payload)) {
		return Session{}, ErrUnauthorized
	}

	expiryPart, id, ok := strings.Cut(string(payload), ":")
	if !ok || !user.ID(id).Valid() {
		return Session{}, ErrUnauthorized
	}
	unix, err := strconv.ParseInt(expiryPart, 10, 64)
	if err != nil {
		return Session{}, ErrUnauthorized
	}
	expires := time.Unix(unix, 0).UTC()
	if s.now().After(expires) {
		return Session{}, ErrTokenExpired
	}
	return Session{Token: token, UserID: user.ID(id), ExpiresAt: expires}, nil
}

func (s *Service) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return h.Sum(nil)
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// BearerToken extracts the token from an "Authorization: Bearer x" header value.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
