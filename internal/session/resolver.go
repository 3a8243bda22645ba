package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// signaturePrefix marks a cookie value as HMAC-signed. Unsigned values are
// never looked up.
const signaturePrefix = "s:"

var ErrSessionNotFound = errors.New("session not found")

// Store resolves a session id to the user identity it was issued for.
type Store interface {
	Lookup(ctx context.Context, sessionID string) (string, error)
}

// RedisStore reads the session hashes written by the HTTP login flow.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Lookup(ctx context.Context, sessionID string) (string, error) {
	userID, err := s.client.HGet(ctx, "session:"+sessionID, "user_id").Result()
	if err == redis.Nil {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session lookup failed: %w", err)
	}
	if userID == "" {
		return "", ErrSessionNotFound
	}
	return userID, nil
}

// Resolver authenticates a websocket handshake against the shared session
// store. Every failure path collapses to "no identity" so a caller cannot
// distinguish a bad signature from a missing cookie.
type Resolver struct {
	cookieName string
	secret     []byte
	jwtSecret  []byte
	store      Store
}

func NewResolver(cookieName string, secret, jwtSecret []byte, store Store) *Resolver {
	return &Resolver{
		cookieName: cookieName,
		secret:     secret,
		jwtSecret:  jwtSecret,
		store:      store,
	}
}

// Resolve returns the authenticated user id for the handshake request. The
// session cookie is tried first, then a bearer token query parameter.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (string, bool) {
	if userID, ok := r.fromCookie(ctx, req); ok {
		return userID, true
	}
	if userID, ok := r.fromToken(req); ok {
		return userID, true
	}
	return "", false
}

func (r *Resolver) fromCookie(ctx context.Context, req *http.Request) (string, bool) {
	cookie, err := req.Cookie(r.cookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}

	value := cookie.Value
	if decoded, err := url.QueryUnescape(value); err == nil {
		value = decoded
	}

	sessionID, ok := Unsign(value, r.secret)
	if !ok {
		return "", false
	}

	userID, err := r.store.Lookup(ctx, sessionID)
	if err != nil {
		return "", false
	}
	return userID, true
}

// fromToken accepts a JWT in the "token" query parameter, the credential used
// by clients that cannot attach cookies to the handshake.
func (r *Resolver) fromToken(req *http.Request) (string, bool) {
	tokenString := req.URL.Query().Get("token")
	if tokenString == "" {
		return "", false
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}

	switch id := claims["user_id"].(type) {
	case string:
		if id == "" {
			return "", false
		}
		return id, true
	case float64:
		return fmt.Sprintf("%.0f", id), true
	default:
		return "", false
	}
}

// Sign produces the signed cookie value for a session id. The HTTP side uses
// the same scheme when it issues the cookie.
func Sign(sessionID string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(sessionID))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signaturePrefix + sessionID + "." + sig
}

// Unsign verifies a signed cookie value and returns the embedded session id.
// Comparison is constant-time; malformed input fails identically to a bad
// signature.
func Unsign(value string, secret []byte) (string, bool) {
	if !strings.HasPrefix(value, signaturePrefix) {
		return "", false
	}
	rest := value[len(signaturePrefix):]

	i := strings.LastIndexByte(rest, '.')
	if i <= 0 {
		return "", false
	}
	sessionID, encodedSig := rest[:i], rest[i+1:]

	sig, err := base64.RawURLEncoding.DecodeString(encodedSig)
	if err != nil {
		return "", false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(sessionID))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", false
	}
	return sessionID, true
}
