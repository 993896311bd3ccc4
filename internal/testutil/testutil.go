// Package testutil provides common test helpers for SOSPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/store"
)

// pollInterval is how often WaitFor re-checks its condition.
const pollInterval = 5 * time.Millisecond

// WaitFor polls cond until it holds or timeout elapses and returns the final result.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(pollInterval)
	}
	return cond()
}

// SettingsStore is the part of a store SeedSettings writes to.
type SettingsStore interface {
	SaveContacts(contacts []string) error
	SaveProfile(p models.Profile) error
}

// SeedSettings stores contacts and a profile, failing the test on error.
func SeedSettings(t *testing.T, st SettingsStore, contacts []string, profile models.Profile) {
	t.Helper()
	if err := st.SaveContacts(contacts); err != nil {
		t.Fatalf("failed to seed contacts: %v", err)
	}
	if err := st.SaveProfile(profile); err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}
}

// AssertReceiptStatuses checks the stored receipts have exactly the given statuses, in order.
func AssertReceiptStatuses(t *testing.T, st store.Store, want ...models.MessageStatus) {
	t.Helper()
	receipts, err := st.GetReceipts()
	if err != nil {
		t.Fatalf("failed to get receipts: %v", err)
	}
	if len(receipts) != len(want) {
		t.Fatalf("expected %d receipts, got %d: %+v", len(want), len(receipts), receipts)
	}
	for i, r := range receipts {
		if r.Status != want[i] {
			t.Errorf("receipt %d: expected status %s, got %s", i, want[i], r.Status)
		}
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse envelope and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if response.Status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, response.Status)
	}
	return response
}

// NewJSONRequest creates an HTTP request with a raw JSON body.
func NewJSONRequest(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}
