// Package testutil provides common test utilities and helpers for OutreachPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewSQLiteStore opens a SQLite store in a per-test temporary directory and
// closes it when the test ends.
func NewSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ForEachStore runs fn against every store backend available without
// external services.
func ForEachStore(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, store.NewInMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, NewSQLiteStore(t)) })
}

// SamplePerson returns a person with every contact channel set.
func SamplePerson() *models.Person {
	return &models.Person{
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Email:       "ada@example.com",
		Phone:       "+1 555 0100",
		WhatsApp:    "+1 555 0101",
		CompanyName: "Analytical Engines",
	}
}

// SampleTemplate returns an active EMAIL day 0, SMS day 2, WHATSAPP day 4
// template. Steps are deliberately out of order.
func SampleTemplate() *models.SequenceTemplate {
	return &models.SequenceTemplate{
		Name:   "Intro",
		Active: true,
		Steps: []models.TemplateStep{
			{StepNumber: 2, Channel: models.ChannelSMS, Body: "Following up, {{firstName}}", DelayDays: 2},
			{StepNumber: 1, Channel: models.ChannelEmail, Subject: "Hello {{firstName}}", Body: "Hi {{fullName}}", DelayDays: 0},
			{StepNumber: 3, Channel: models.ChannelWhatsApp, Body: "Last note for {{companyName}}", DelayDays: 4},
		},
	}
}

// SeedTestData stores SamplePerson and SampleTemplate and returns them.
func SeedTestData(t testing.TB, st store.Store) (*models.Person, *models.SequenceTemplate) {
	t.Helper()
	ctx := t.Context()
	p := SamplePerson()
	if err := st.CreatePerson(ctx, p); err != nil {
		t.Fatalf("failed to seed person: %v", err)
	}
	tmpl := SampleTemplate()
	if err := st.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("failed to seed template: %v", err)
	}
	return p, tmpl
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		reqBody.Write(MustMarshalJSON(t, body))
	}
	req := httptest.NewRequest(method, url, &reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
