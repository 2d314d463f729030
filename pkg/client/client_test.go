package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/havenhealth/auditvault/pkg/client"
)

var ctx = context.Background()

// fakeAPI is a minimal audit API: one secret, counted token issues, and a
// handful of canned endpoints.
type fakeAPI struct {
	secret      string
	issued      int
	validTokens map[string]bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{secret: "s3cret", validTokens: make(map[string]bool)}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Subject string `json:"subject"`
			Secret  string `json:"secret"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Secret != f.secret {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
			return
		}
		f.issued++
		tok := "tok-" + req.Subject + "-" + string(rune('0'+f.issued))
		f.validTokens[tok] = true
		json.NewEncoder(w).Encode(map[string]string{"token": tok, "role": "compliance"})
	})

	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !f.validTokens[tok] {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			authed(func(w http.ResponseWriter, r *http.Request) {
				var e client.Event
				json.NewDecoder(r.Body).Decode(&e)
				e.ID = "evt-1"
				e.Hash = "abc123"
				w.WriteHeader(http.StatusCreated)
				json.NewEncoder(w).Encode(e)
			})(w, r)
		case http.MethodGet:
			authed(func(w http.ResponseWriter, r *http.Request) {
				events := []client.Event{{ID: "evt-1", UserID: r.URL.Query().Get("user_id")}}
				json.NewEncoder(w).Encode(map[string]any{"events": events, "count": len(events)})
			})(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/api/v1/chain/verify", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"valid": false, "total_blocks": 4, "corrupted_blocks": []int{2}, "integrity_score": 75.0,
		})
	}))

	return mux
}

func newClient(t *testing.T, api *fakeAPI, opts ...client.Option) *client.Client {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	if opts == nil {
		opts = []client.Option{client.WithCredentials("officer-3", api.secret)}
	}
	c, err := client.New(srv.URL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRecordEvent_authenticatesLazily(t *testing.T) {
	api := newFakeAPI()
	c := newClient(t, api)

	stored, err := c.RecordEvent(ctx, client.Event{
		UserID: "clinician-7", Action: "view", Resource: "patient_record", Result: "success",
	})
	if err != nil {
		t.Fatalf("RecordEvent(): %v", err)
	}
	if stored.ID != "evt-1" || stored.Hash == "" {
		t.Errorf("stored event: %+v", stored)
	}
	if api.issued != 1 {
		t.Errorf("tokens issued: got %d, want 1", api.issued)
	}

	// A second call reuses the cached token.
	if _, err := c.QueryEvents(ctx, client.Query{UserID: "clinician-7"}); err != nil {
		t.Fatal(err)
	}
	if api.issued != 1 {
		t.Errorf("tokens issued after second call: got %d, want 1", api.issued)
	}
}

func TestQueryEvents_encodesFilters(t *testing.T) {
	api := newFakeAPI()
	c := newClient(t, api)

	events, err := c.QueryEvents(ctx, client.Query{UserID: "clinician-7", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].UserID != "clinician-7" {
		t.Errorf("events: %+v", events)
	}
}

func TestDo_refreshesAfterExpiry(t *testing.T) {
	api := newFakeAPI()
	c := newClient(t, api)

	if _, err := c.QueryEvents(ctx, client.Query{}); err != nil {
		t.Fatal(err)
	}

	// Invalidate the server-side session; the next call should transparently
	// re-authenticate and retry.
	for tok := range api.validTokens {
		delete(api.validTokens, tok)
	}
	if _, err := c.QueryEvents(ctx, client.Query{}); err != nil {
		t.Fatalf("query after expiry: %v", err)
	}
	if api.issued != 2 {
		t.Errorf("tokens issued: got %d, want 2", api.issued)
	}
}

func TestBearerToken_neverRefreshed(t *testing.T) {
	api := newFakeAPI()
	c := newClient(t, api, client.WithBearerToken("stale-token"))

	_, err := c.QueryEvents(ctx, client.Query{})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if api.issued != 0 {
		t.Errorf("manual token triggered refresh: %d tokens issued", api.issued)
	}
}

func TestAuthenticate_badSecret(t *testing.T) {
	api := newFakeAPI()
	c := newClient(t, api, client.WithCredentials("officer-3", "wrong"))

	err := c.Authenticate(ctx)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestVerifyChain(t *testing.T) {
	api := newFakeAPI()
	c := newClient(t, api)

	report, err := c.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Error("expected invalid report")
	}
	if len(report.CorruptedBlocks) != 1 || report.CorruptedBlocks[0] != 2 {
		t.Errorf("CorruptedBlocks: %v", report.CorruptedBlocks)
	}
	if report.IntegrityScore != 75.0 {
		t.Errorf("IntegrityScore: got %v, want 75", report.IntegrityScore)
	}
}
