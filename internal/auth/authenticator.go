package auth

import (
	"net/http"
	"strings"

	"github.com/adred-codev/realtime/internal/apperr"
)

const (
	HeaderUserID      = "X-User-Id"
	HeaderUsername    = "X-Username"
	HeaderDisplayName = "X-Display-Name"
)

// Authenticator resolves the identity of an upgrade request. Verification
// itself happens upstream: either a signed token or headers injected by a
// trusted gateway.
type Authenticator struct {
	verifier     *JWTVerifier
	trustHeaders bool
}

// NewAuthenticator accepts a nil verifier when only gateway headers are trusted.
func NewAuthenticator(verifier *JWTVerifier, trustGatewayHeaders bool) *Authenticator {
	return &Authenticator{verifier: verifier, trustHeaders: trustGatewayHeaders}
}

func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a.trustHeaders {
		if userID := strings.TrimSpace(r.Header.Get(HeaderUserID)); userID != "" {
			id := Identity{
				UserID:      userID,
				Username:    r.Header.Get(HeaderUsername),
				DisplayName: r.Header.Get(HeaderDisplayName),
			}
			if id.Username == "" {
				id.Username = userID
			}
			if id.DisplayName == "" {
				id.DisplayName = id.Username
			}
			return id, nil
		}
	}

	if a.verifier == nil {
		return Identity{}, apperr.Authentication("missing identity")
	}

	token, err := ExtractTokenFromQuery(r)
	if err != nil {
		token, err = ExtractTokenFromHeader(r)
		if err != nil {
			return Identity{}, apperr.Authentication("no valid token found")
		}
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, apperr.Wrap(err, apperr.KindAuthentication, apperr.CodeAuthenticationFailed, "invalid token")
	}
	return claims.Identity(), nil
}
