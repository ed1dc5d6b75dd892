package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validationf("limit %d", 5), KindValidation},
		{"wrapped not found", fmt.Errorf("loading: %w", NotFoundf("prompt %s", "p1")), KindNotFound},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded), KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
		{"store io", Wrap(KindStoreIO, "store.Write", errors.New("disk full")), KindStoreIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindConflict, http.StatusConflict},
		{KindInternal, http.StatusInternalServerError},
		{KindStoreIO, http.StatusInternalServerError},
		{KindRateLimited, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestMessagePrefix(t *testing.T) {
	if got := Message(NotFoundf("prompt %s", "p1")); got != "not_found: prompt p1" {
		t.Errorf("Message = %q", got)
	}
	if got := Message(errors.New("boom")); got != "internal: boom" {
		t.Errorf("Message = %q", got)
	}
	if got := Message(Wrap(KindStoreIO, "store.Write", errors.New("disk full"))); got != "store_io: store.Write: disk full" {
		t.Errorf("Message = %q", got)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindInternal, "op", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestUnwrap(t *testing.T) {
	base := errors.New("locked")
	err := Wrap(KindSourceUnavailable, "editor.poll", base)
	if !errors.Is(err, base) {
		t.Error("expected errors.Is to see the wrapped error")
	}
	if !Is(err, KindSourceUnavailable) {
		t.Error("expected Is(KindSourceUnavailable)")
	}
}
