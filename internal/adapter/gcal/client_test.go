package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"togglsync/internal/adapter/memory"
	"togglsync/internal/domain"
)

const user = domain.UserID(3)

// fakeAPI serves the subset of the Calendar v3 and OAuth token endpoints the
// adapter uses.
type fakeAPI struct {
	mu       sync.Mutex
	events   map[string]map[string]map[string]any // calendar -> id -> event
	nextID   int
	refresh  int
	failCode int
	denyAuth bool
	lastAuth string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{events: make(map[string]map[string]map[string]any)}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.denyAuth {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		f.refresh++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("fresh-%d", f.refresh),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("POST /calendar/v3/calendars/{cal}/events", func(w http.ResponseWriter, r *http.Request) {
		var ev map[string]any
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail(w, r) {
			return
		}
		cal := f.calendar(r.PathValue("cal"))
		for _, cur := range cal {
			if cur["iCalUID"] == ev["iCalUID"] {
				writeError(w, http.StatusConflict, "duplicate")
				return
			}
		}
		f.nextID++
		ev["id"] = fmt.Sprintf("gev%d", f.nextID)
		cal[ev["id"].(string)] = ev
		_ = json.NewEncoder(w).Encode(ev)
	})
	mux.HandleFunc("GET /calendar/v3/calendars/{cal}/events", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail(w, r) {
			return
		}
		items := []map[string]any{}
		for _, ev := range f.calendar(r.PathValue("cal")) {
			if ev["iCalUID"] == r.URL.Query().Get("iCalUID") {
				items = append(items, ev)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	})
	mux.HandleFunc("GET /calendar/v3/calendars/{cal}/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		ev, ok := f.calendar(r.PathValue("cal"))[r.PathValue("id")]
		if !ok {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		_ = json.NewEncoder(w).Encode(ev)
	})
	mux.HandleFunc("PUT /calendar/v3/calendars/{cal}/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		var ev map[string]any
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.mu.Lock()
		defer f.mu.Unlock()
		cal := f.calendar(r.PathValue("cal"))
		if _, ok := cal[r.PathValue("id")]; !ok {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		cal[r.PathValue("id")] = ev
		_ = json.NewEncoder(w).Encode(ev)
	})
	mux.HandleFunc("DELETE /calendar/v3/calendars/{cal}/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		cal := f.calendar(r.PathValue("cal"))
		if _, ok := cal[r.PathValue("id")]; !ok {
			writeError(w, http.StatusGone, "deleted")
			return
		}
		delete(cal, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /calendar/v3/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{
			{"id": "me@example.com", "summary": "Me", "accessRole": "owner", "primary": true},
			{"id": "holidays", "summary": "Holidays", "accessRole": "reader"},
		}})
	})
	return mux
}

func (f *fakeAPI) setFail(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCode = code
}

// fail must be called with f.mu held.
func (f *fakeAPI) fail(w http.ResponseWriter, r *http.Request) bool {
	f.lastAuth = r.Header.Get("Authorization")
	if f.failCode != 0 {
		writeError(w, f.failCode, "injected")
		return true
	}
	return false
}

func (f *fakeAPI) event(cal, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[cal][id]
}

func (f *fakeAPI) count(cal string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[cal])
}

func (f *fakeAPI) auth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

func (f *fakeAPI) refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refresh
}

func (f *fakeAPI) calendar(id string) map[string]map[string]any {
	cal := f.events[id]
	if cal == nil {
		cal = make(map[string]map[string]any)
		f.events[id] = cal
	}
	return cal
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

type fixture struct {
	api      *fakeAPI
	store    *memory.Store
	provider *Provider
}

func newFixture(t *testing.T, tok *oauth2.Token) *fixture {
	t.Helper()
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	s := memory.NewStore()
	blob, err := EncodeToken(tok)
	require.NoError(t, err)
	require.NoError(t, s.SaveCredentials(context.Background(), domain.Credentials{UserID: user, GoogleToken: blob, Timezone: "Europe/Berlin"}))

	p := NewProvider(Config{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Endpoint:     srv.URL + "/calendar/v3/",
		TokenURL:     srv.URL + "/token",
		HTTPClient:   srv.Client(),
	}, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{api: api, store: s, provider: p}
}

func validToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "live", TokenType: "Bearer", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}
}

func sampleEvent() domain.CalendarEvent {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return domain.CalendarEvent{
		StableKey:   domain.StableKey(42),
		Summary:     "Review",
		Description: "Toggl Entry: 42",
		Start:       start,
		End:         start.Add(30 * time.Minute),
		Color:       domain.ColorSage,
	}
}

func TestClient_CreateFindUpdateDelete(t *testing.T) {
	f := newFixture(t, validToken())
	ctx := context.Background()
	c, err := f.provider.ForUser(ctx, user)
	require.NoError(t, err)

	created, err := c.CreateEvent(ctx, "primary", sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, "gev1", created.ID)
	assert.Equal(t, "toggl42", created.StableKey)
	assert.Equal(t, domain.ColorSage, created.Color)
	assert.Equal(t, "Bearer live", f.api.auth())

	raw := f.api.event("primary", "gev1")
	start := raw["start"].(map[string]any)
	assert.Equal(t, "2026-03-02T09:00:00Z", start["dateTime"])
	assert.Equal(t, "Europe/Berlin", start["timeZone"])

	found, err := c.FindEventByStableKey(ctx, "primary", "toggl42")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "gev1", found.ID)
	assert.True(t, sampleEvent().End.Equal(found.End))

	upd := sampleEvent()
	upd.ID = found.ID
	upd.Summary = "Review (done)"
	upd.Color = domain.ColorNone
	got, err := c.UpdateEvent(ctx, "primary", upd)
	require.NoError(t, err)
	assert.Equal(t, "Review (done)", got.Summary)
	assert.Equal(t, domain.ColorNone, got.Color)
	assert.Equal(t, "toggl42", got.StableKey)

	require.NoError(t, c.DeleteEvent(ctx, "primary", "gev1"))
	require.NoError(t, c.DeleteEvent(ctx, "primary", "gev1"), "already deleted counts as success")

	missing, err := c.FindEventByStableKey(ctx, "primary", "toggl42")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClient_CreateConflictReturnsExisting(t *testing.T) {
	f := newFixture(t, validToken())
	ctx := context.Background()
	c, err := f.provider.ForUser(ctx, user)
	require.NoError(t, err)

	first, err := c.CreateEvent(ctx, "primary", sampleEvent())
	require.NoError(t, err)
	second, err := c.CreateEvent(ctx, "primary", sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.api.count("primary"))
}

func TestClient_UpdateMissingEvent(t *testing.T) {
	f := newFixture(t, validToken())
	c, err := f.provider.ForUser(context.Background(), user)
	require.NoError(t, err)
	ev := sampleEvent()
	ev.ID = "nope"
	_, err = c.UpdateEvent(context.Background(), "primary", ev)
	assert.ErrorIs(t, err, domain.ErrRemoteNotFound)
}

func TestClient_ServerErrorIsRemoteAPI(t *testing.T) {
	f := newFixture(t, validToken())
	c, err := f.provider.ForUser(context.Background(), user)
	require.NoError(t, err)
	f.api.setFail(http.StatusServiceUnavailable)
	_, err = c.FindEventByStableKey(context.Background(), "primary", "toggl1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRemoteAPI))
}

func TestClient_UnauthorizedIsNotConnected(t *testing.T) {
	f := newFixture(t, validToken())
	c, err := f.provider.ForUser(context.Background(), user)
	require.NoError(t, err)
	f.api.setFail(http.StatusUnauthorized)
	_, err = c.CreateEvent(context.Background(), "primary", sampleEvent())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestClient_ListCalendars(t *testing.T) {
	f := newFixture(t, validToken())
	c, err := f.provider.ForUser(context.Background(), user)
	require.NoError(t, err)
	cals, err := c.ListCalendars(context.Background())
	require.NoError(t, err)
	require.Len(t, cals, 2)
	assert.True(t, cals[0].Primary)
	assert.True(t, cals[0].Writable())
	assert.False(t, cals[1].Writable())
}

func TestProvider_RefreshesAndPersistsExpiredToken(t *testing.T) {
	expired := &oauth2.Token{AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)}
	f := newFixture(t, expired)
	ctx := context.Background()

	c, err := f.provider.ForUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, f.api.refreshes())

	creds, err := f.store.GetCredentials(ctx, user)
	require.NoError(t, err)
	tok, err := DecodeToken(creds.GoogleToken)
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", tok.AccessToken)
	assert.Equal(t, "r", tok.RefreshToken)

	_, err = c.CreateEvent(ctx, "primary", sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh-1", f.api.auth())
}

func TestProvider_RefreshFailureIsNotConnected(t *testing.T) {
	expired := &oauth2.Token{AccessToken: "stale", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour)}
	f := newFixture(t, expired)
	f.api.mu.Lock()
	f.api.denyAuth = true
	f.api.mu.Unlock()

	_, err := f.provider.ForUser(context.Background(), user)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestProvider_NoTokenIsNotConnected(t *testing.T) {
	f := newFixture(t, validToken())
	ctx := context.Background()
	require.NoError(t, f.store.SaveGoogleToken(ctx, user, ""))
	_, err := f.provider.ForUser(ctx, user)
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	_, err = f.provider.ForUser(ctx, domain.UserID(999))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestDecodeToken_AuthorizedUserFormat(t *testing.T) {
	tok, err := DecodeToken(`{"token":"ya29.x","refresh_token":"1//r","client_id":"c","expiry":"2026-03-02T10:00:00.123456Z"}`)
	require.NoError(t, err)
	assert.Equal(t, "ya29.x", tok.AccessToken)
	assert.Equal(t, "1//r", tok.RefreshToken)
	assert.Equal(t, 2026, tok.Expiry.Year())

	_, err = DecodeToken(`{}`)
	assert.Error(t, err)
}
