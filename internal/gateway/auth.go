package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errTokenSubject = errors.New("token subject does not match uid")

// authenticate enforces bearer-token auth when a secret is configured.
// The token's subject must name the connecting uid, so a stolen socket URL
// cannot attach to another user's event stream.
func (h *Hub) authenticate(r *http.Request, uid string) error {
	if len(h.secret) == 0 {
		return nil
	}
	token := bearerToken(r)
	if token == "" {
		return errors.New("missing bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil || !parsed.Valid {
		return errors.New("invalid token")
	}
	if claims.Subject != uid {
		return errTokenSubject
	}
	return nil
}

// bearerToken pulls the JWT from the Authorization header, falling back to
// the token query parameter for clients that cannot set headers on
// websocket upgrades.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
