// Package principal resolves caller identity from request credentials.
//
// Resolution is two-phase: Subject extracts the claimed subject without
// verifying anything, so quota and subscription checks can run first;
// Verify then proves the credential before the request is admitted.
package principal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/variables"
)

type basicUserData struct {
	passwordHash []byte
}

// Resolver authenticates credentials against static tokens, basic
// users and JWTs (HMAC secret or JWKS). Successful verifications are
// cached briefly, keyed by a hash of the raw credential.
type Resolver struct {
	tokens    map[string]string // bearer token -> username
	users     map[string]*basicUserData
	dummyHash []byte

	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string

	cache *expirable.LRU[uint64, *variables.Identity]
}

// New builds a resolver from config. A JWKS URL takes precedence over
// a shared secret for JWT verification.
func New(cfg config.PrincipalConfig) (*Resolver, error) {
	r := &Resolver{
		tokens:   make(map[string]string, len(cfg.Tokens)),
		users:    make(map[string]*basicUserData, len(cfg.Users)),
		issuer:   cfg.JWT.Issuer,
		audience: cfg.JWT.Audience,
	}

	for _, t := range cfg.Tokens {
		r.tokens[t.Token] = t.Username
	}
	for _, u := range cfg.Users {
		r.users[u.Username] = &basicUserData{passwordHash: []byte(u.PasswordHash)}
	}

	// Pre-compute a dummy hash so unknown usernames still cost one
	// bcrypt comparison, preventing timing-based user enumeration.
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("dummy"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("principal: dummy hash: %w", err)
	}
	r.dummyHash = dummyHash

	switch {
	case cfg.JWT.JWKSURL != "":
		provider, err := NewJWKSProvider(cfg.JWT.JWKSURL, cfg.JWT.RefreshInterval)
		if err != nil {
			return nil, err
		}
		r.keyFunc = provider.KeyFunc()
	case cfg.JWT.Secret != "":
		secret := []byte(cfg.JWT.Secret)
		r.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		}
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	r.cache = expirable.NewLRU[uint64, *variables.Identity](4096, nil, ttl)

	return r, nil
}

// Credential pulls the raw credential from the request: the API's swap
// header when configured, otherwise Authorization, otherwise the
// auth_token cookie.
func Credential(r *http.Request, swapHeader string) string {
	if swapHeader != "" {
		if v := r.Header.Get(swapHeader); v != "" {
			return v
		}
		return ""
	}
	if v := r.Header.Get("Authorization"); v != "" {
		return v
	}
	if c, err := r.Cookie("auth_token"); err == nil {
		return c.Value
	}
	return ""
}

// Subject extracts the claimed subject without verification. It
// returns "" when no subject can be read; callers treat that as an
// anonymous request.
func (r *Resolver) Subject(credential string) string {
	scheme, value := splitScheme(credential)
	switch scheme {
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return ""
		}
		username, _, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return ""
		}
		return username
	case "bearer", "":
		if value == "" {
			return ""
		}
		if username, ok := r.tokens[value]; ok {
			return username
		}
		return unverifiedJWTSubject(value)
	}
	return ""
}

// Verify proves the credential and returns the caller's identity.
// Missing credentials and failed proofs both map to AUTH401.
func (r *Resolver) Verify(ctx context.Context, credential string) (*variables.Identity, error) {
	if credential == "" {
		return nil, errors.ErrAuthRequired.WithDetails("credentials not provided")
	}

	key := xxhash.Sum64String(credential)
	if id, ok := r.cache.Get(key); ok {
		return id, nil
	}

	id, err := r.verify(ctx, credential)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, id)
	return id, nil
}

func (r *Resolver) verify(_ context.Context, credential string) (*variables.Identity, error) {
	scheme, value := splitScheme(credential)

	switch scheme {
	case "basic":
		return r.verifyBasic(value)
	case "bearer", "":
		if username, ok := r.tokens[value]; ok {
			return &variables.Identity{Subject: username, AuthType: "token"}, nil
		}
		if r.keyFunc != nil && looksLikeJWT(value) {
			return r.verifyJWT(value)
		}
		return nil, errors.ErrAuthInvalid.WithDetails("unrecognized credential")
	}
	return nil, errors.ErrAuthInvalid.WithDetails("unsupported authorization scheme")
}

func (r *Resolver) verifyBasic(value string) (*variables.Identity, error) {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, errors.ErrAuthInvalid.WithDetails("malformed basic credentials")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, errors.ErrAuthInvalid.WithDetails("malformed basic credentials")
	}

	user, found := r.users[username]
	if !found {
		bcrypt.CompareHashAndPassword(r.dummyHash, []byte(password))
		return nil, errors.ErrAuthInvalid.WithDetails("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(user.passwordHash, []byte(password)); err != nil {
		return nil, errors.ErrAuthInvalid.WithDetails("invalid credentials")
	}

	return &variables.Identity{Subject: username, AuthType: "basic"}, nil
}

func (r *Resolver) verifyJWT(tokenString string) (*variables.Identity, error) {
	token, err := jwt.Parse(tokenString, r.keyFunc)
	if err != nil {
		return nil, errors.ErrAuthInvalid.WithDetails(fmt.Sprintf("invalid token: %v", err))
	}
	if !token.Valid {
		return nil, errors.ErrAuthInvalid.WithDetails("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrAuthInvalid.WithDetails("invalid token claims")
	}

	if r.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != r.issuer {
			return nil, errors.ErrAuthInvalid.WithDetails("invalid token issuer")
		}
	}
	if len(r.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !containsAny(aud, r.audience) {
			return nil, errors.ErrAuthInvalid.WithDetails("invalid token audience")
		}
	}

	subject := subjectFromClaims(claims)
	if subject == "" {
		return nil, errors.ErrAuthInvalid.WithDetails("token has no subject")
	}

	attrs := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		attrs[k] = v
	}

	id := &variables.Identity{
		Subject:    subject,
		AuthType:   "jwt",
		Attributes: attrs,
	}
	if role, ok := claims["role"].(string); ok {
		id.Role = role
	}
	if groups, ok := claims["groups"].([]interface{}); ok {
		for _, g := range groups {
			if gs, ok := g.(string); ok {
				id.Groups = append(id.Groups, gs)
			}
		}
	}
	return id, nil
}

// InvalidateCache drops cached verifications, e.g. after a seed reload
// revokes a user.
func (r *Resolver) InvalidateCache() {
	r.cache.Purge()
}

func splitScheme(credential string) (scheme, value string) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ""
	}
	head, rest, ok := strings.Cut(credential, " ")
	if !ok {
		return "", credential
	}
	switch strings.ToLower(head) {
	case "bearer", "basic":
		return strings.ToLower(head), strings.TrimSpace(rest)
	}
	return "", credential
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

func unverifiedJWTSubject(tokenString string) string {
	if !looksLikeJWT(tokenString) {
		return ""
	}
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	return subjectFromClaims(claims)
}

func subjectFromClaims(claims jwt.MapClaims) string {
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub
	}
	if u, ok := claims["username"].(string); ok && u != "" {
		return u
	}
	if cid, ok := claims["client_id"].(string); ok && cid != "" {
		return cid
	}
	return ""
}

func containsAny(have []string, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
