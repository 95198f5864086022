package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig lists the credentials accepted for mutating requests. Requests
// must present a configured API token, a JWT signed with the shared HMAC
// secret, or an mTLS client certificate with an allowed common name.
//
// API tokens and client certificates identify operators. A JWT identifies an
// operator when it carries JWTConfig.OperatorScope; any other JWT acts only
// for the owner named by its sub claim.
type AuthConfig struct {
	APITokens        []string
	AllowedClientCNs []string
	JWT              JWTConfig
}

// JWTConfig enables HMAC signed bearer tokens. Issuer, Audience and Scope are
// enforced when set.
type JWTConfig struct {
	HMACSecret    string
	Issuer        string
	Audience      string
	Scope         string
	OperatorScope string
	ClockSkew     time.Duration
}

// DefaultOperatorScope is granted operator rights when JWTConfig leaves
// OperatorScope empty.
const DefaultOperatorScope = "lending:admin"

// principal is the identity a request authenticated as.
type principal struct {
	subject  string
	operator bool
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// actsFor reports whether the principal may change owner's position.
func (p principal) actsFor(owner string) bool {
	return p.operator || (p.subject != "" && p.subject == owner)
}

type authenticator struct {
	tokens       map[string]struct{}
	commonNames  map[string]struct{}
	jwt          JWTConfig
	secret       []byte
	allowByToken bool
	allowByMTLS  bool
	allowByJWT   bool
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	tokens := make(map[string]struct{})
	for _, token := range cfg.APITokens {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			continue
		}
		tokens[trimmed] = struct{}{}
	}
	commonNames := make(map[string]struct{})
	for _, name := range cfg.AllowedClientCNs {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		commonNames[trimmed] = struct{}{}
	}
	jwtCfg := cfg.JWT
	if jwtCfg.ClockSkew <= 0 {
		jwtCfg.ClockSkew = 2 * time.Minute
	}
	jwtCfg.OperatorScope = strings.TrimSpace(jwtCfg.OperatorScope)
	if jwtCfg.OperatorScope == "" {
		jwtCfg.OperatorScope = DefaultOperatorScope
	}
	secret := []byte(strings.TrimSpace(jwtCfg.HMACSecret))
	return &authenticator{
		tokens:       tokens,
		commonNames:  commonNames,
		jwt:          jwtCfg,
		secret:       secret,
		allowByToken: len(tokens) > 0,
		allowByMTLS:  len(commonNames) > 0,
		allowByJWT:   len(secret) > 0,
	}
}

// middleware rejects requests that carry no accepted credential and records
// the authenticated principal on the request context.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.allowByToken && !a.allowByMTLS && !a.allowByJWT {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Code: "permission_denied", Message: "authentication is not configured"})
			return
		}
		if p, ok := a.authenticate(r); ok {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
			return
		}
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: "unauthenticated", Message: "authentication required"})
	})
}

func (a *authenticator) authenticate(r *http.Request) (principal, bool) {
	if a.allowByToken && a.authenticateByToken(r) {
		return principal{operator: true}, true
	}
	if a.allowByJWT {
		if p, ok := a.authenticateByJWT(r); ok {
			return p, true
		}
	}
	if a.allowByMTLS {
		if cn, ok := a.authenticateByMTLS(r); ok {
			return principal{subject: cn, operator: true}, true
		}
	}
	return principal{}, false
}

// requireOperator admits only operator principals.
func requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := principalFromContext(r.Context()); !ok || !p.operator {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Code: "permission_denied", Message: "operator credentials required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorizeOwner writes a 403 and returns false when the request principal
// may not act for owner.
func authorizeOwner(w http.ResponseWriter, r *http.Request, owner string) bool {
	if p, ok := principalFromContext(r.Context()); ok && p.actsFor(owner) {
		return true
	}
	writeJSON(w, http.StatusForbidden, ErrorResponse{Code: "permission_denied", Message: "credentials are not bound to owner " + owner})
	return false
}

func (a *authenticator) authenticateByToken(r *http.Request) bool {
	for _, header := range r.Header.Values("Authorization") {
		if token := parseBearerToken(header); token != "" {
			if _, exists := a.tokens[token]; exists {
				return true
			}
		}
	}
	for _, token := range r.Header.Values("X-API-Token") {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			continue
		}
		if _, exists := a.tokens[trimmed]; exists {
			return true
		}
	}
	return false
}

func (a *authenticator) authenticateByJWT(r *http.Request) (principal, bool) {
	for _, header := range r.Header.Values("Authorization") {
		token := parseBearerToken(header)
		if token == "" {
			continue
		}
		if p, err := a.verifyJWT(token); err == nil {
			return p, true
		}
	}
	return principal{}, false
}

func (a *authenticator) verifyJWT(tokenString string) (principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.jwt.ClockSkew),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if a.jwt.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.jwt.Issuer))
	}
	if a.jwt.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.jwt.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return principal{}, err
	}
	if !token.Valid {
		return principal{}, errors.New("token invalid")
	}
	if a.jwt.Scope != "" && !hasScope(claims["scope"], a.jwt.Scope) {
		return principal{}, errors.New("insufficient scope")
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return principal{}, err
	}
	return principal{
		subject:  strings.TrimSpace(subject),
		operator: hasScope(claims["scope"], a.jwt.OperatorScope),
	}, nil
}

// hasScope accepts the space separated string form and the array form of the
// scope claim.
func hasScope(raw interface{}, required string) bool {
	switch v := raw.(type) {
	case string:
		for _, scope := range strings.Fields(v) {
			if scope == required {
				return true
			}
		}
	case []interface{}:
		for _, entry := range v {
			if scope, ok := entry.(string); ok && scope == required {
				return true
			}
		}
	}
	return false
}

func (a *authenticator) authenticateByMTLS(r *http.Request) (string, bool) {
	if r.TLS == nil {
		return "", false
	}
	for _, chain := range r.TLS.VerifiedChains {
		if len(chain) == 0 {
			continue
		}
		if cn := chain[0].Subject.CommonName; a.commonNameAllowed(cn) {
			return strings.TrimSpace(cn), true
		}
	}
	return "", false
}

func (a *authenticator) commonNameAllowed(name string) bool {
	_, ok := a.commonNames[strings.TrimSpace(name)]
	return ok
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
