package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sigee-min/bbmcp-sub010/pkg/mcpsession"
)

// JWTAuthenticator resolves a bearer token into an mcpsession.Principal
// using a single shared HMAC secret, modeled on the teacher's
// pkg/auth.TokenValidator (Authorization: Bearer <token>, claims carried
// straight through) but without its JWKS/OIDC-discovery machinery,
// which this module's dependency set does not carry.
//
// Expected claims: "sub" (accountId), "key_space" ("service" or
// "workspace", default "workspace"), "workspace_id", "roles" ([]string,
// system roles).
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates a JWTAuthenticator verifying tokens signed
// with the given HMAC secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Authenticate implements mcprouter.Authenticator. No credentials
// resolves to an anonymous principal with ok=true; a malformed or
// invalid bearer token resolves ok=false, per spec.md §4.9.
func (a *JWTAuthenticator) Authenticate(_ context.Context, headers http.Header) (mcpsession.Principal, bool) {
	authHeader := headers.Get("Authorization")
	if authHeader == "" {
		return mcpsession.Principal{KeySpace: mcpsession.KeySpaceWorkspace}, true
	}

	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return mcpsession.Principal{}, false
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return mcpsession.Principal{}, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return mcpsession.Principal{}, false
	}

	return claimsToPrincipal(claims), true
}

func claimsToPrincipal(claims jwt.MapClaims) mcpsession.Principal {
	p := mcpsession.Principal{KeySpace: mcpsession.KeySpaceWorkspace}

	if sub, ok := claims["sub"].(string); ok {
		p.AccountID = sub
		p.KeyID = sub
	}
	if ks, ok := claims["key_space"].(string); ok && ks == string(mcpsession.KeySpaceService) {
		p.KeySpace = mcpsession.KeySpaceService
	}
	if wsID, ok := claims["workspace_id"].(string); ok {
		p.WorkspaceID = wsID
	}
	if rolesRaw, ok := claims["roles"].([]any); ok {
		for _, r := range rolesRaw {
			if role, ok := r.(string); ok {
				p.SystemRoles = append(p.SystemRoles, role)
			}
		}
	}
	return p
}

// AnonymousAuthenticator admits every request as an unauthenticated
// workspace-scoped principal. Intended for local/dev use when
// gwconfig.AuthConfig.Anonymous is set.
type AnonymousAuthenticator struct{}

// Authenticate implements mcprouter.Authenticator.
func (AnonymousAuthenticator) Authenticate(context.Context, http.Header) (mcpsession.Principal, bool) {
	return mcpsession.Principal{KeySpace: mcpsession.KeySpaceWorkspace}, true
}
