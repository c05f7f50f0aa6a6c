package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newRouter(audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/secure", JWTMiddleware(testSecret, audience), func(c *gin.Context) {
		subject, _ := GetSubject(c.Request.Context())
		c.String(http.StatusOK, subject)
	})
	return router
}

func TestJWTMiddleware(t *testing.T) {
	valid := jwt.RegisteredClaims{
		Subject:   "grower-7",
		Audience:  jwt.ClaimStrings{"leaf-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noSubject := valid
	noSubject.Subject = ""

	cases := []struct {
		name     string
		audience string
		header   string
		status   int
	}{
		{"valid", "leaf-api", "Bearer " + signToken(t, testSecret, valid), http.StatusOK},
		{"no header", "", "", http.StatusUnauthorized},
		{"wrong scheme", "", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "", "Bearer " + signToken(t, "other", valid), http.StatusUnauthorized},
		{"expired", "", "Bearer " + signToken(t, testSecret, expired), http.StatusUnauthorized},
		{"wrong audience", "other-api", "Bearer " + signToken(t, testSecret, valid), http.StatusUnauthorized},
		{"missing subject", "", "Bearer " + signToken(t, testSecret, noSubject), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/secure", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp := httptest.NewRecorder()
			newRouter(tc.audience).ServeHTTP(resp, req)

			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
			if tc.status == http.StatusOK && resp.Body.String() != "grower-7" {
				t.Fatalf("expected subject in context, got %q", resp.Body.String())
			}
		})
	}
}
