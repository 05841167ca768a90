package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func seededClient(server *httptest.Server) *HelixClient {
	rewrite := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL}}
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", HTTPClient: rewrite}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))
	return &HelixClient{AppTokenSource: ts, ClientID: "test-client-id", HTTPClient: rewrite}
}

func TestHelixClient_GetStreamsByLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/streams" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Client-Id") != "test-client-id" {
			t.Errorf("missing or wrong Client-Id header")
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing or wrong Authorization header")
		}
		logins := r.URL.Query()["user_login"]
		if len(logins) != 3 {
			t.Errorf("user_login params = %v, want 3 logins", logins)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"user_login": "alice", "game_id": "509658", "game_name": "Just Chatting"},
				{"user_login": "Bob", "game_id": "516575", "game_name": "Valorant"},
			},
		})
	}))
	defer server.Close()

	client := seededClient(server)
	statuses, err := client.GetStreamsByLogin(context.Background(), []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("GetStreamsByLogin() error = %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if got := statuses["alice"]; !got.IsLive || got.Category != "Just Chatting" {
		t.Errorf("alice = %+v, want live Just Chatting", got)
	}
	// Response login casing is normalized.
	if got := statuses["bob"]; !got.IsLive || got.Category != "Valorant" {
		t.Errorf("bob = %+v, want live Valorant", got)
	}
	// Absent channels are reported offline, never omitted.
	if got := statuses["carol"]; got.IsLive || got.Category != CategoryOffline {
		t.Errorf("carol = %+v, want offline sentinel", got)
	}
}

func TestHelixClient_GetStreamsByLoginChunks(t *testing.T) {
	var batches [][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batches = append(batches, r.URL.Query()["user_login"])
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{}})
	}))
	defer server.Close()

	logins := make([]string, 250)
	for i := range logins {
		logins[i] = fmt.Sprintf("streamer%03d", i)
	}

	client := seededClient(server)
	statuses, err := client.GetStreamsByLogin(context.Background(), logins)
	if err != nil {
		t.Fatalf("GetStreamsByLogin() error = %v", err)
	}
	if len(statuses) != 250 {
		t.Fatalf("expected 250 statuses, got %d", len(statuses))
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batched requests for 250 logins, got %d", len(batches))
	}
	for i, b := range batches {
		if len(b) > 100 {
			t.Errorf("batch %d has %d logins, want <= 100", i, len(b))
		}
	}
	if got := len(batches[0]) + len(batches[1]) + len(batches[2]); got != 250 {
		t.Errorf("batches cover %d logins, want 250", got)
	}
}

func TestHelixClient_GameNameFallbackAndCache(t *testing.T) {
	gamesRequests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/helix/streams":
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{
					{"user_login": "alice", "game_id": "509658", "game_name": ""},
				},
			})
		case "/helix/games":
			gamesRequests++
			if got := r.URL.Query()["id"]; len(got) != 1 || got[0] != "509658" {
				t.Errorf("games ids = %v, want [509658]", got)
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "509658", "name": "Just Chatting"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := seededClient(server)
	ctx := context.Background()

	statuses, err := client.GetStreamsByLogin(ctx, []string{"alice"})
	if err != nil {
		t.Fatalf("GetStreamsByLogin() error = %v", err)
	}
	if got := statuses["alice"].Category; got != "Just Chatting" {
		t.Errorf("category = %q, want Just Chatting (resolved via /helix/games)", got)
	}
	if gamesRequests != 1 {
		t.Fatalf("expected 1 games request, got %d", gamesRequests)
	}

	// Second cycle with the same game id is served from the cache.
	if _, err := client.GetStreamsByLogin(ctx, []string{"alice"}); err != nil {
		t.Fatalf("GetStreamsByLogin() second call error = %v", err)
	}
	if gamesRequests != 1 {
		t.Errorf("expected cache hit (still 1 games request), got %d", gamesRequests)
	}
}

func TestHelixClient_UnresolvableGameID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/helix/streams":
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"user_login": "alice", "game_id": "999", "game_name": ""}},
			})
		case "/helix/games":
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := seededClient(server)
	statuses, err := client.GetStreamsByLogin(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatalf("GetStreamsByLogin() error = %v", err)
	}
	if got := statuses["alice"].Category; got != CategoryUnknown {
		t.Errorf("category = %q, want %q for unresolvable game id", got, CategoryUnknown)
	}
}

func TestHelixClient_401RefreshRetry(t *testing.T) {
	streamAttempts := 0
	tokenRequests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenRequests++
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "fresh-token",
				"token_type":   "bearer",
				"expires_in":   3600,
			})
		case "/helix/streams":
			streamAttempts++
			if streamAttempts == 1 {
				if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
					t.Fatalf("first attempt auth = %q, want stale token", got)
				}
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Unauthorized", "status": 401})
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
				t.Fatalf("second attempt auth = %q, want refreshed token", got)
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"user_login": "alice", "game_id": "1", "game_name": "Valorant"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	rewrite := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL}}
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", HTTPClient: rewrite}
	ts.SetToken("stale-token", time.Now().Add(1*time.Hour))
	client := &HelixClient{AppTokenSource: ts, ClientID: "test-client-id", HTTPClient: rewrite}

	statuses, err := client.GetStreamsByLogin(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatalf("GetStreamsByLogin() unexpected error = %v", err)
	}
	if got := statuses["alice"].Category; got != "Valorant" {
		t.Fatalf("category = %q, want Valorant", got)
	}
	if tokenRequests != 1 {
		t.Fatalf("expected exactly one token refresh request, got %d", tokenRequests)
	}
	if streamAttempts != 2 {
		t.Fatalf("expected two /helix/streams attempts, got %d", streamAttempts)
	}
}

func TestHelixClient_401Persistent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "still-rejected",
				"expires_in":   3600,
			})
		case "/helix/streams":
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Unauthorized", "status": 401})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	rewrite := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL}}
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", HTTPClient: rewrite}
	ts.SetToken("stale-token", time.Now().Add(1*time.Hour))
	client := &HelixClient{AppTokenSource: ts, ClientID: "test-client-id", HTTPClient: rewrite}

	_, err := client.GetStreamsByLogin(context.Background(), []string{"alice"})
	if err == nil {
		t.Fatal("expected error when 401 persists after refresh")
	}
	if !IsAuthError(err) {
		t.Errorf("expected auth classification, got %v", err)
	}
}

func TestHelixClient_429RetryAfter(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Too Many Requests", "status": 429})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{"user_login": "alice", "game_id": "1", "game_name": "Rust"}},
		})
	}))
	defer server.Close()

	client := seededClient(server)
	statuses, err := client.GetStreamsByLogin(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatalf("GetStreamsByLogin() unexpected error after 429 retry = %v", err)
	}
	if got := statuses["alice"].Category; got != "Rust" {
		t.Fatalf("category = %q, want Rust", got)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts (429 + success), got %d", attempts)
	}
}

func TestHelixClient_5xxIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "bad gateway"})
	}))
	defer server.Close()

	client := seededClient(server)
	_, err := client.GetStreamsByLogin(context.Background(), []string{"alice"})
	if err == nil {
		t.Fatal("expected error on 5xx")
	}
	if !IsTransientError(err) {
		t.Errorf("expected transient classification, got %v", err)
	}
	if IsAuthError(err) {
		t.Errorf("5xx must not classify as auth error: %v", err)
	}
}

// rewriteTransport rewrites all requests to use the test server
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
