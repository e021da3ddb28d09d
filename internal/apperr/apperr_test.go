package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKindOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("approve: %w", E(Conflict, "group.approve", ErrCapacityExceeded))

	require.Equal(t, Conflict, KindOf(err))
	require.True(t, errors.Is(err, ErrCapacityExceeded))
	require.False(t, Retryable(err))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	require.Equal(t, Internal, KindOf(errors.New("boom")))
	require.False(t, Is(nil, Internal))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(E(Connection, "dial", "refused")))
	require.True(t, Retryable(E(Timeout, "dial", nil)))
	require.False(t, Retryable(E(Forbidden, "join", nil)))
}

func TestWrite_MapsStatus(t *testing.T) {
	cases := map[Kind]int{
		Validation: http.StatusBadRequest,
		Conflict:   http.StatusConflict,
		Forbidden:  http.StatusForbidden,
		NotFound:   http.StatusNotFound,
		Internal:   http.StatusInternalServerError,
	}
	for kind, status := range cases {
		rec := httptest.NewRecorder()
		Write(rec, zap.NewNop(), E(kind, "op", "details"))
		require.Equal(t, status, rec.Code, kind)
		require.Contains(t, rec.Body.String(), string(kind))
	}
}

func TestWrite_HidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, zap.NewNop(), errors.New("pq: password leaked"))
	require.NotContains(t, rec.Body.String(), "leaked")
}
