package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin grants access to the admin routes.
const RoleAdmin = "admin"

const bearerPrefix = "bearer "

// Config holds the token verification settings.
type Config struct {
	SigningKey []byte
	Issuer     string
	Leeway     time.Duration
}

// Claims are the registered claims plus the roles granted to the caller.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID ledger.UserID
	Roles  []string
}

// HasRole reports whether the principal carries role.
func (principal Principal) HasRole(role string) bool {
	return slices.Contains(principal.Roles, role)
}

// Validator verifies HS256 bearer tokens issued by the identity provider.
type Validator struct {
	signingKey []byte
	parser     *jwt.Parser
}

// NewValidator builds a Validator.
func NewValidator(cfg Config) (*Validator, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(issuer))
	}
	if cfg.Leeway > 0 {
		parserOptions = append(parserOptions, jwt.WithLeeway(cfg.Leeway))
	}
	return &Validator{
		signingKey: append([]byte(nil), cfg.SigningKey...),
		parser:     jwt.NewParser(parserOptions...),
	}, nil
}

// Validate parses a raw token and returns the principal named by its subject.
func (validator *Validator) Validate(rawToken string) (Principal, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ledger.ErrUnauthenticated)
	}
	claims := &Claims{}
	_, err := validator.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		return validator.signingKey, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ledger.ErrUnauthenticated, err)
	}
	userID, err := ledger.NewUserID(claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: token subject: %v", ledger.ErrUnauthenticated, err)
	}
	return Principal{UserID: userID, Roles: claims.Roles}, nil
}

// ValidateHeader extracts the token from an Authorization header value.
func (validator *Validator) ValidateHeader(header string) (Principal, error) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return Principal{}, fmt.Errorf("%w: bearer token required", ledger.ErrUnauthenticated)
	}
	return validator.Validate(strings.TrimSpace(header[len(bearerPrefix):]))
}

// Issue signs a token for subject. Used by operator tooling and tests.
func Issue(signingKey []byte, issuer string, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}
