package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (int64, string, error) {
	if token == "good" {
		return 7, "ada", nil
	}
	return 0, "", errors.New("bad token")
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=fromquery", nil)
	require.Equal(t, "fromquery", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer fromheader")
	require.Equal(t, "fromheader", TokenFromRequest(r))
}

func TestHandle_InjectsUser(t *testing.T) {
	am := NewAuthMiddleware(stubValidator{}, zap.NewNop())
	var gotID int64
	var gotName string
	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = UserID(r.Context())
		gotName = Username(r.Context())
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	r.Header.Set("Authorization", "Bearer good")
	h.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(7), gotID)
	require.Equal(t, "ada", gotName)
}

func TestHandle_RejectsMissingAndInvalidTokens(t *testing.T) {
	am := NewAuthMiddleware(stubValidator{}, zap.NewNop())
	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, target := range []string{"/api/x", "/api/x?token=bad"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}
