package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-nft/internal/auth"
	"github.com/ksred/klear-nft/pkg/response"
	"github.com/stretchr/testify/require"
)

func TestOperatorAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	service := auth.NewService("test-secret")
	service.RegisterAPICredentials("operator", "s3cret")
	token, err := service.GenerateToken(auth.Credentials{APIKey: "operator", APISecret: "s3cret"})
	require.NoError(t, err)

	router := gin.New()
	router.GET("/internal", OperatorAuth("test-secret"), func(c *gin.Context) {
		c.String(http.StatusOK, auth.GetOperatorID(c))
	})

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{name: "valid", header: "Bearer " + token.Token, code: http.StatusOK},
		{name: "missing", code: http.StatusUnauthorized},
		{name: "wrong_scheme", header: "Basic " + token.Token, code: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not.a.jwt", code: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/internal", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			require.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				require.Equal(t, "operator", w.Body.String())
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil))
	require.Equal(t, http.StatusNoContent, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	var body response.Response
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Equal(t, response.ErrCodeRateLimited, body.Error.Code)

	// a different client has its own budget
	other := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
	other.RemoteAddr = "10.0.0.9:4000"
	third := httptest.NewRecorder()
	router.ServeHTTP(third, other)
	require.Equal(t, http.StatusNoContent, third.Code)
}
