package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lirancohen/loupe/approval"
)

// ErrUnauthenticated is returned when a request carries no valid token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims are the JWT claims identifying an actor.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Floor    string `json:"floor,omitempty"`
	jwt.RegisteredClaims
}

// Actor returns the actor the claims identify. The subject is the user id.
func (c *Claims) Actor() (approval.Actor, error) {
	role, ok := approval.ParseRole(c.Role)
	if !ok {
		return approval.Actor{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, c.Role)
	}
	if c.Subject == "" || c.TenantID == "" {
		return approval.Actor{}, fmt.Errorf("%w: subject and tenant are required", ErrUnauthenticated)
	}
	return approval.Actor{
		UserID:   c.Subject,
		TenantID: c.TenantID,
		Role:     role,
		Floor:    c.Floor,
	}, nil
}

// Tokens signs and verifies HS256 actor tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a signer for secret. A zero ttl means 24 hours.
func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a token for actor.
func (t *Tokens) Issue(actor approval.Actor) (string, error) {
	now := t.now()
	claims := &Claims{
		TenantID: actor.TenantID,
		Role:     string(actor.Role),
		Floor:    actor.Floor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses a token and returns the actor it identifies.
func (t *Tokens) Verify(token string) (approval.Actor, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return approval.Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return approval.Actor{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return claims.Actor()
}

type contextKey string

const actorContextKey contextKey = "actor"

// WithActor returns ctx carrying actor.
func WithActor(ctx context.Context, actor approval.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFrom returns the actor stored by the auth middleware.
func ActorFrom(ctx context.Context) (approval.Actor, bool) {
	a, ok := ctx.Value(actorContextKey).(approval.Actor)
	return a, ok
}

// bearerToken extracts the token from an Authorization header.
// Both "Bearer <token>" and a bare token are accepted.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthenticated)
	}
	parts := strings.Fields(header)
	switch {
	case len(parts) == 2 && strings.EqualFold(parts[0], "bearer"):
		return parts[1], nil
	case len(parts) == 1:
		return parts[0], nil
	default:
		return "", fmt.Errorf("%w: invalid authorization header format", ErrUnauthenticated)
	}
}

// authMiddleware resolves the request's actor from its bearer token.
func authMiddleware(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r.Header.Get("Authorization"))
			if err != nil {
				respondError(w, err)
				return
			}
			actor, err := tokens.Verify(token)
			if err != nil {
				respondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
