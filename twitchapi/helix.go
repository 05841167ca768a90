// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for batched stream status lookups and game (category) name resolution, using
// an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	helixStreamsURL = "https://api.twitch.tv/helix/streams"
	helixGamesURL   = "https://api.twitch.tv/helix/games"

	// maxPerRequest is the Helix cap on repeated query params per call;
	// larger batches are split client-side.
	maxPerRequest = 100

	// CategoryOffline is the sentinel category reported for channels that are
	// not live (or not found). It is persisted and diffed like any other
	// category so offline transitions notify in both directions.
	CategoryOffline = "offline"

	// CategoryUnknown is reported when a stream carries a game_id that the
	// games endpoint cannot resolve to a name.
	CategoryUnknown = "Unknown"
)

// ChannelStatus is the per-channel result of one poll cycle. Transient; only
// the category string is persisted.
type ChannelStatus struct {
	Login    string
	IsLive   bool
	Category string
}

// HelixClient provides the two Helix reads the notifier needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client

	mu        sync.Mutex
	gameNames map[string]string // game_id -> name, process lifetime cache
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetStreamsByLogin fetches live status for all logins in batches of 100.
// Every requested login is present in the result; channels absent from the
// Helix response are reported offline rather than omitted, so an offline
// channel is distinguishable from a failed fetch (which errors instead).
func (hc *HelixClient) GetStreamsByLogin(ctx context.Context, logins []string) (map[string]ChannelStatus, error) {
	statuses := make(map[string]ChannelStatus, len(logins))
	for _, login := range logins {
		statuses[login] = ChannelStatus{Login: login, Category: CategoryOffline}
	}
	if len(logins) == 0 {
		return statuses, nil
	}

	var pendingGameIDs []string
	type liveEntry struct {
		login  string
		gameID string
	}
	var unresolved []liveEntry

	for start := 0; start < len(logins); start += maxPerRequest {
		end := min(start+maxPerRequest, len(logins))
		q := url.Values{"user_login": logins[start:end]}
		body, err := hc.get(ctx, helixStreamsURL, q, "streams")
		if err != nil {
			return nil, err
		}
		var payload struct {
			Data []struct {
				UserLogin string `json:"user_login"`
				GameID    string `json:"game_id"`
				GameName  string `json:"game_name"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decode streams response: %w", err)
		}
		for _, s := range payload.Data {
			login := strings.ToLower(s.UserLogin)
			if login == "" {
				continue
			}
			st := ChannelStatus{Login: login, IsLive: true, Category: s.GameName}
			if st.Category == "" {
				if s.GameID == "" {
					st.Category = CategoryUnknown
				} else {
					unresolved = append(unresolved, liveEntry{login: login, gameID: s.GameID})
					pendingGameIDs = append(pendingGameIDs, s.GameID)
				}
			}
			statuses[login] = st
		}
	}

	if len(unresolved) > 0 {
		names, err := hc.resolveGameNames(ctx, pendingGameIDs)
		if err != nil {
			return nil, err
		}
		for _, e := range unresolved {
			st := statuses[e.login]
			if name, ok := names[e.gameID]; ok && name != "" {
				st.Category = name
			} else {
				st.Category = CategoryUnknown
			}
			statuses[e.login] = st
		}
	}
	return statuses, nil
}

// resolveGameNames maps game ids to names via /helix/games, serving repeats
// from an in-process cache. Ids are fetched in chunks of 100.
func (hc *HelixClient) resolveGameNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	var missing []string
	seen := make(map[string]bool, len(ids))

	hc.mu.Lock()
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if name, ok := hc.gameNames[id]; ok {
			out[id] = name
		} else {
			missing = append(missing, id)
		}
	}
	hc.mu.Unlock()

	for start := 0; start < len(missing); start += maxPerRequest {
		end := min(start+maxPerRequest, len(missing))
		q := url.Values{"id": missing[start:end]}
		body, err := hc.get(ctx, helixGamesURL, q, "games")
		if err != nil {
			return nil, err
		}
		var payload struct {
			Data []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decode games response: %w", err)
		}
		hc.mu.Lock()
		if hc.gameNames == nil {
			hc.gameNames = make(map[string]string)
		}
		for _, g := range payload.Data {
			hc.gameNames[g.ID] = g.Name
			out[g.ID] = g.Name
		}
		hc.mu.Unlock()
	}
	return out, nil
}

// get performs an authenticated Helix GET. On 401/403 it invalidates the
// cached app token and retries once with a fresh one; on 429 it waits out
// Retry-After (bounded) and retries once. Anything else non-200 surfaces as
// a StatusError for the caller to classify.
func (hc *HelixClient) get(ctx context.Context, rawURL string, q url.Values, op string) ([]byte, error) {
	refreshed := false
	retried := false
	for {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return nil, fmt.Errorf("twitch %s request: %w", op, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				return nil, fmt.Errorf("twitch %s read body: %w", op, readErr)
			}
			return body, nil
		case (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && !refreshed:
			refreshed = true
			slog.Warn("twitch rejected app token; refreshing once", slog.String("op", op), slog.Int("status", resp.StatusCode))
			hc.AppTokenSource.Invalidate()
		case resp.StatusCode == http.StatusTooManyRequests && !retried:
			retried = true
			wait := retryAfter(resp)
			slog.Warn("rate limited by twitch; backing off", slog.String("op", op), slog.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		default:
			return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: string(body)}
		}
	}
}

// retryAfter returns the server-requested 429 backoff, clamped to 30s, with
// 30s as the default when the header is absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	const maxWait = 30 * time.Second
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return maxWait
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return maxWait
	}
	d := time.Duration(secs) * time.Second
	if d > maxWait {
		return maxWait
	}
	return d
}
