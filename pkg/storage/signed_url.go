package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Token errors surfaced by Parse.
var (
	ErrTokenMalformed = errors.New("malformed document token")
	ErrTokenSignature = errors.New("invalid document token signature")
	ErrTokenExpired   = errors.New("document token expired")
)

// DocumentClaims is the payload carried by a signed document token.
type DocumentClaims struct {
	Subject   string
	Path      string
	ExpiresAt time.Time
}

// SignedURLSigner creates and validates signed download tokens for stored documents.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SignedURLSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Sign returns a token binding subject (usually the OD request id) to a stored document path.
func (s *SignedURLSigner) Sign(subject, path string) (string, time.Time, error) {
	if subject == "" || path == "" {
		return "", time.Time{}, fmt.Errorf("subject and path required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl).Truncate(time.Second)
	encodedSubject := base64.RawURLEncoding.EncodeToString([]byte(subject))
	encodedPath := base64.RawURLEncoding.EncodeToString([]byte(path))
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	signature := s.sign(encodedSubject, exp, encodedPath)
	return strings.Join([]string{encodedSubject, exp, encodedPath, signature}, "."), expiresAt, nil
}

// Parse validates a token and returns its claims. Expired tokens fail unless allowExpired is set.
func (s *SignedURLSigner) Parse(token string, allowExpired bool) (DocumentClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return DocumentClaims{}, ErrTokenMalformed
	}
	encodedSubject, exp, encodedPath, signature := parts[0], parts[1], parts[2], parts[3]

	expected := s.sign(encodedSubject, exp, encodedPath)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return DocumentClaims{}, ErrTokenSignature
	}

	subject, err := base64.RawURLEncoding.DecodeString(encodedSubject)
	if err != nil {
		return DocumentClaims{}, fmt.Errorf("%w: subject: %v", ErrTokenMalformed, err)
	}
	path, err := base64.RawURLEncoding.DecodeString(encodedPath)
	if err != nil {
		return DocumentClaims{}, fmt.Errorf("%w: path: %v", ErrTokenMalformed, err)
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return DocumentClaims{}, fmt.Errorf("%w: expiry: %v", ErrTokenMalformed, err)
	}

	claims := DocumentClaims{Subject: string(subject), Path: string(path), ExpiresAt: time.Unix(expUnix, 0)}
	if !allowExpired && s.now().After(claims.ExpiresAt) {
		return DocumentClaims{}, ErrTokenExpired
	}
	return claims, nil
}

func (s *SignedURLSigner) sign(subject, exp, path string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(subject + "|" + exp + "|" + path))
	return hex.EncodeToString(mac.Sum(nil))
}
