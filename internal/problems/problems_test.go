package problems

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{InvalidCursor(CursorInvalidFormat, "0", "x", nil), http.StatusUnprocessableEntity},
		{fmt.Errorf("get: %w", ErrNoSuchSubscription), http.StatusNotFound},
		{ErrNoSuchStream, http.StatusNotFound},
		{Unavailable(errors.New("dial tcp: refused")), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: bad json", ErrValidation), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := Status(tc.err); got != tc.want {
			t.Fatalf("%v: got %d want %d", tc.err, got, tc.want)
		}
	}
}

func TestInvalidCursorKeepsCause(t *testing.T) {
	cause := errors.New("strconv: bad digit")
	err := InvalidCursor(CursorInvalidFormat, "3", "abc", cause)
	if !errors.Is(err, ErrInvalidCursor) || !errors.Is(err, cause) {
		t.Fatalf("chain lost: %v", err)
	}
	var ice *InvalidCursorError
	if !errors.As(err, &ice) || ice.Partition != "3" {
		t.Fatalf("as InvalidCursorError: %+v", ice)
	}
	if !IsClientError(err) {
		t.Fatalf("invalid cursor should be a client error")
	}
}

func TestUnavailableDoesNotDoubleWrap(t *testing.T) {
	err := Unavailable(errors.New("timeout"))
	if Unavailable(err) != err {
		t.Fatalf("wrapped twice")
	}
	if Unavailable(nil) != nil {
		t.Fatalf("nil cause should stay nil")
	}
}

func TestWriteProblem(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrNoSuchStream)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentType {
		t.Fatalf("content type: %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"title":"Not Found"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}
