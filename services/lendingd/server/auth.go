package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"lendcore/native/lending"
)

// AdminScope lifts the per-account restriction of a JWT principal.
const AdminScope = "admin"

// Principal is the authenticated caller of a request.
type Principal struct {
	// Subject is the account a JWT caller acts for. Empty for admins
	// authenticated by static token or client certificate.
	Subject string
	Admin   bool
	Method  string
}

// CanActFor reports whether the principal may operate on account.
func (p Principal) CanActFor(account lending.AccountID) bool {
	return p.Admin || (p.Subject != "" && p.Subject == string(account))
}

type principalKey struct{}

// PrincipalFrom returns the principal attached by the authenticator.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// AuthConfig configures the accepted credentials.
type AuthConfig struct {
	APITokens          []string
	AllowedCommonNames []string
	CallbackTokens     []string
	JWT                JWTConfig
}

// JWTConfig validates HMAC signed bearer tokens.
type JWTConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

// Authenticator resolves principals from static tokens, JWTs and client
// certificates, and separately guards the relay callback routes.
type Authenticator struct {
	apiTokens      [][]byte
	callbackTokens [][]byte
	commonNames    map[string]struct{}
	jwt            JWTConfig
	secret         []byte
	logger         *slog.Logger
}

// NewAuthenticator builds an authenticator. At least one callback token is
// required since deposits are credited on the relay's word.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		commonNames: make(map[string]struct{}),
		jwt:         cfg.JWT,
		secret:      []byte(strings.TrimSpace(cfg.JWT.HMACSecret)),
		logger:      logger,
	}
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			a.apiTokens = append(a.apiTokens, []byte(trimmed))
		}
	}
	for _, token := range cfg.CallbackTokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			a.callbackTokens = append(a.callbackTokens, []byte(trimmed))
		}
	}
	if len(a.callbackTokens) == 0 {
		return nil, errors.New("auth: at least one callback token required")
	}
	for _, cn := range cfg.AllowedCommonNames {
		if trimmed := strings.TrimSpace(cn); trimmed != "" {
			a.commonNames[trimmed] = struct{}{}
		}
	}
	if a.jwt.ScopeClaim == "" {
		a.jwt.ScopeClaim = "scope"
	}
	if a.jwt.ClockSkew <= 0 {
		a.jwt.ClockSkew = 2 * time.Minute
	}
	return a, nil
}

// Middleware authenticates API callers and stores the principal in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		if err != nil {
			a.logger.Warn("request rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Callbacks admits the swap venue and transfer relay. Admin principals are
// accepted as well so operators can replay a lost callback.
func (a *Authenticator) Callbacks(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if header := strings.TrimSpace(r.Header.Get("X-Callback-Token")); header != "" {
			token = header
		}
		var principal Principal
		switch {
		case token != "" && matchToken(a.callbackTokens, token):
			principal = Principal{Method: "callback"}
		default:
			p, err := a.authenticate(r)
			if err != nil || !p.Admin {
				a.logger.Warn("callback rejected", "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			principal = p
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (Principal, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 && len(a.commonNames) > 0 {
		cn := r.TLS.PeerCertificates[0].Subject.CommonName
		if _, ok := a.commonNames[cn]; ok {
			return Principal{Admin: true, Method: "mtls"}, nil
		}
	}
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return Principal{}, errors.New("missing bearer token")
	}
	if matchToken(a.apiTokens, token) {
		return Principal{Admin: true, Method: "token"}, nil
	}
	if len(a.secret) == 0 {
		return Principal{}, errors.New("unknown token")
	}
	claims, err := a.parseToken(token)
	if err != nil {
		return Principal{}, err
	}
	subject, _ := claims.GetSubject()
	scopes := extractScopes(claims, a.jwt.ScopeClaim)
	admin := hasScope(scopes, AdminScope)
	if strings.TrimSpace(subject) == "" && !admin {
		return Principal{}, errors.New("token carries no subject")
	}
	return Principal{Subject: strings.TrimSpace(subject), Admin: admin, Method: "jwt"}, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.jwt.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if a.jwt.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.jwt.Issuer))
	}
	if a.jwt.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.jwt.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// requireAdmin rejects non-admin principals.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.Admin {
			writeError(w, http.StatusForbidden, "admin credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func matchToken(tokens [][]byte, candidate string) bool {
	found := false
	for _, token := range tokens {
		if subtle.ConstantTimeCompare(token, []byte(candidate)) == 1 {
			found = true
		}
	}
	return found
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScope(scopes []string, want string) bool {
	for _, scope := range scopes {
		if scope == want {
			return true
		}
	}
	return false
}
