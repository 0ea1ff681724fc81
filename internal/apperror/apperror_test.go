package apperror

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindMalformedInput, http.StatusBadRequest},
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindForbiddenTierTooHigh, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{KindUnsupportedMedia, http.StatusUnsupportedMediaType},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindUpstreamFailure, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := HTTPStatus(tt.kind); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestStatusForWrappedError(t *testing.T) {
	base := errors.New("boom")
	err := UpstreamFailure("provider unreachable", base)

	if got := StatusFor(err); got != http.StatusBadGateway {
		t.Errorf("StatusFor() = %d, want %d", got, http.StatusBadGateway)
	}
	if !errors.Is(err, err) {
		t.Errorf("expected errors.Is to hold for identity")
	}
	if errors.Unwrap(err) != base {
		t.Errorf("expected Unwrap to return the wrapped cause")
	}
}

func TestStatusForPlainError(t *testing.T) {
	if got := StatusFor(errors.New("unrelated")); got != http.StatusInternalServerError {
		t.Errorf("StatusFor() = %d, want %d", got, http.StatusInternalServerError)
	}
}
