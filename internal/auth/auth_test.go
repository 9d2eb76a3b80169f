package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("test-signing-key")

const testIssuer = "healing-auth"

func mustValidator(t *testing.T) *Validator {
	t.Helper()
	validator, err := NewValidator(Config{SigningKey: testSigningKey, Issuer: testIssuer})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return validator
}

func mustToken(t *testing.T, key []byte, claims jwt.Claims, method jwt.SigningMethod) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims(subject string, roles ...string) Claims {
	now := time.Now().UTC()
	return Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestNewValidatorRequiresKey(t *testing.T) {
	if _, err := NewValidator(Config{}); err == nil {
		t.Fatalf("expected error for empty signing key")
	}
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	validator := mustValidator(t)
	token := mustToken(t, testSigningKey, validClaims("user-1", RoleAdmin), jwt.SigningMethodHS256)

	principal, err := validator.ValidateHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if principal.UserID.String() != "user-1" {
		t.Fatalf("unexpected user id %q", principal.UserID.String())
	}
	if !principal.HasRole(RoleAdmin) {
		t.Fatalf("expected admin role, got %v", principal.Roles)
	}
}

func TestValidateRejectsBadTokens(t *testing.T) {
	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := validClaims("user-1")
	wrongIssuer.Issuer = "someone-else"
	noExpiry := validClaims("user-1")
	noExpiry.ExpiresAt = nil

	testCases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz"},
		{name: "garbage", header: "Bearer not-a-token"},
		{name: "wrong key", header: "Bearer " + mustToken(t, []byte("other-key"), validClaims("user-1"), jwt.SigningMethodHS256)},
		{name: "wrong algorithm", header: "Bearer " + mustToken(t, testSigningKey, validClaims("user-1"), jwt.SigningMethodHS512)},
		{name: "expired", header: "Bearer " + mustToken(t, testSigningKey, expired, jwt.SigningMethodHS256)},
		{name: "no expiry", header: "Bearer " + mustToken(t, testSigningKey, noExpiry, jwt.SigningMethodHS256)},
		{name: "wrong issuer", header: "Bearer " + mustToken(t, testSigningKey, wrongIssuer, jwt.SigningMethodHS256)},
		{name: "blank subject", header: "Bearer " + mustToken(t, testSigningKey, validClaims("  "), jwt.SigningMethodHS256)},
	}

	validator := mustValidator(t)
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateHeader(testCase.header)
			if !errors.Is(err, ledger.ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestIssueRoundTrip(t *testing.T) {
	token, err := Issue(testSigningKey, testIssuer, "user-9", nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	principal, err := mustValidator(t).Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if principal.UserID.String() != "user-9" || principal.HasRole(RoleAdmin) {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestMiddlewareAndRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := mustValidator(t)
	router := gin.New()
	api := router.Group("/", validator.Middleware())
	api.GET("/me", func(c *gin.Context) {
		principal, _ := PrincipalFrom(c)
		c.String(http.StatusOK, principal.UserID.String())
	})
	api.GET("/admin", RequireRole(RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	userToken := mustToken(t, testSigningKey, validClaims("user-1"), jwt.SigningMethodHS256)
	adminToken := mustToken(t, testSigningKey, validClaims("ops", RoleAdmin), jwt.SigningMethodHS256)

	testCases := []struct {
		name         string
		path         string
		token        string
		expectedCode int
	}{
		{name: "anonymous", path: "/me", expectedCode: http.StatusUnauthorized},
		{name: "user", path: "/me", token: userToken, expectedCode: http.StatusOK},
		{name: "user on admin", path: "/admin", token: userToken, expectedCode: http.StatusForbidden},
		{name: "admin", path: "/admin", token: adminToken, expectedCode: http.StatusNoContent},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, testCase.path, nil)
			if testCase.token != "" {
				request.Header.Set("Authorization", "Bearer "+testCase.token)
			}
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, request)
			if recorder.Code != testCase.expectedCode {
				t.Fatalf("expected %d, got %d (%s)", testCase.expectedCode, recorder.Code, recorder.Body.String())
			}
		})
	}
}
