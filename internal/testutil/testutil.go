// Package testutil provides common test utilities and helpers for FlowPipe tests.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// NewSQLiteStore creates a SQLite store in a temporary directory that is removed when
// the test finishes.
func NewSQLiteStore(t *testing.T, name string) *store.SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", name+"_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(tempDir, name+".db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes the JSON envelope of a recorded response. An empty body
// decodes to the zero response.
func DecodeAPIResponse(t testing.TB, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if rr.Body.Len() == 0 {
		return resp
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return resp
}
