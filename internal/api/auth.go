package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/wealthdesk/ledger/internal/model"
)

type actorKey struct{}

// WithActor returns a context carrying the authenticated actor.
func WithActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor placed by the authentication middleware.
func ActorFrom(ctx context.Context) (model.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(model.Actor)
	return a, ok
}

// Authenticator turns HS256 bearer tokens into actors. The token subject is
// the numeric actor id and the role claim is client or advisor.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for tokens signed with secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token for actor valid for ttl.
func (a *Authenticator) IssueToken(actor model.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  strconv.FormatInt(actor.ID, 10),
		"role": string(actor.Role),
		"iss":  "ledger",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Actor validates a token and extracts its actor.
func (a *Authenticator) Actor(tokenString string) (model.Actor, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return model.Actor{}, err
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return model.Actor{}, err
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return model.Actor{}, errors.New("subject is not an actor id")
	}
	role, _ := claims["role"].(string)
	switch model.Role(role) {
	case model.RoleClient, model.RoleAdvisor:
	default:
		return model.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	return model.Actor{ID: id, Role: model.Role(role)}, nil
}

// Middleware rejects requests without a valid bearer token. WebSocket
// upgrades may pass the token as the access_token query parameter, since
// browsers cannot set headers on them.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenString = strings.TrimPrefix(h, "Bearer ")
		} else if websocket.IsWebSocketUpgrade(r) {
			tokenString = r.URL.Query().Get("access_token")
		}
		if tokenString == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeProblem(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}

		actor, err := a.Actor(tokenString)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeProblem(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
