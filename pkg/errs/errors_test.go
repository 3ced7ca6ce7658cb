package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestToHTTP(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrInvalidInput, http.StatusBadRequest},
		{fmt.Errorf("handshake: %w", ErrUnauthorized), http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := ToHTTP(tc.err); got != tc.want {
			t.Errorf("ToHTTP(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
