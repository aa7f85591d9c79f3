package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStorageHookCountsBytes(t *testing.T) {
	before := testutil.ToFloat64(storageBytes.WithLabelValues("write"))
	StorageHook{}.ObserveWrite(time.Millisecond, 42)
	if got := testutil.ToFloat64(storageBytes.WithLabelValues("write")) - before; got != 42 {
		t.Fatalf("want 42 bytes, got %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	CursorCommits.WithLabelValues("committed").Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nakadi_cursors_commits_total") {
		t.Fatalf("missing commits counter")
	}
}
