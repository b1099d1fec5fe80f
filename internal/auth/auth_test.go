package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestService_GenerateToken(t *testing.T) {
	service := NewService("test-secret")
	service.RegisterAPICredentials("operator", "s3cret")
	service.RegisterAPICredentials("", "ignored")

	tests := []struct {
		name    string
		creds   Credentials
		wantErr error
	}{
		{name: "valid", creds: Credentials{APIKey: "operator", APISecret: "s3cret"}},
		{name: "wrong_secret", creds: Credentials{APIKey: "operator", APISecret: "nope"}, wantErr: ErrInvalidCredentials},
		{name: "unknown_key", creds: Credentials{APIKey: "someone", APISecret: "s3cret"}, wantErr: ErrInvalidCredentials},
		{name: "empty_key", creds: Credentials{APIKey: "", APISecret: "ignored"}, wantErr: ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := service.GenerateToken(tt.creds)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, token.Token)

			claims, err := service.ValidateToken(token.Token)
			require.NoError(t, err)
			require.Equal(t, "operator", claims.OperatorID)
			require.Contains(t, claims.Permissions, "settlement:run")
		})
	}

	t.Run("foreign_secret", func(t *testing.T) {
		other := NewService("other-secret")
		other.RegisterAPICredentials("operator", "s3cret")
		token, err := other.GenerateToken(Credentials{APIKey: "operator", APISecret: "s3cret"})
		require.NoError(t, err)

		_, err = service.ValidateToken(token.Token)
		require.Error(t, err)
	})
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := NewService("test-secret")
	service.RegisterAPICredentials("operator", "s3cret")

	router := gin.New()
	router.POST("/token", NewGinHandlers(service).GenerateTokenHandler())

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "issued", body: `{"api_key":"operator","api_secret":"s3cret"}`, code: http.StatusCreated},
		{name: "rejected", body: `{"api_key":"operator","api_secret":"wrong"}`, code: http.StatusUnauthorized},
		{name: "malformed", body: `{`, code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			require.Equal(t, tt.code, w.Code)
		})
	}
}
