package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"nowsync/internal/core"
	"nowsync/internal/store"
)

// Prometheus collectors register globally, so all tests share one instance.
var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

func testMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = NewMetrics()
	})
	return sharedMetrics
}

type fakeEngine struct {
	now       core.CanonicalNowPlaying
	status    string
	cmdErr    error
	commands  []string
	refreshes int
}

func (f *fakeEngine) CurrentNowPlaying() core.CanonicalNowPlaying { return f.now }
func (f *fakeEngine) ConnectionStatus() string                    { return f.status }
func (f *fakeEngine) ForceRefresh()                               { f.refreshes++ }

func (f *fakeEngine) TogglePlayback(context.Context) error {
	f.commands = append(f.commands, "toggle")
	return f.cmdErr
}

func (f *fakeEngine) SkipNext(context.Context) error {
	f.commands = append(f.commands, "next")
	return f.cmdErr
}

func (f *fakeEngine) SkipPrevious(context.Context) error {
	f.commands = append(f.commands, "previous")
	return f.cmdErr
}

type fakeManager struct {
	savedToken string
	saveErr    error
	logouts    int
}

func (f *fakeManager) SaveCredential(token string) error {
	f.savedToken = token
	return f.saveErr
}

func (f *fakeManager) Logout() error {
	f.logouts++
	return nil
}

type fakeAuthorizer struct {
	exchangeErr error
}

func (f *fakeAuthorizer) AuthURL(state string) string {
	return "https://auth.example/authorize?state=" + state
}

func (f *fakeAuthorizer) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth2.Token{AccessToken: "access-" + code}, nil
}

type fakeHistory struct {
	entries []store.HistoryEntry
	err     error
}

func (f *fakeHistory) Recent(int) ([]store.HistoryEntry, error) {
	return f.entries, f.err
}

type fakeArtwork struct {
	data []byte
	err  error
	refs []string
}

func (f *fakeArtwork) Artwork(_ context.Context, ref string) ([]byte, error) {
	f.refs = append(f.refs, ref)
	return f.data, f.err
}

func testServer(engine *fakeEngine, manager *fakeManager, auth *fakeAuthorizer, history *fakeHistory) *Server {
	config := &core.ServerConfig{Host: "127.0.0.1", Port: 0}
	return NewServer(config, engine, manager, auth, history, &fakeArtwork{}, testMetrics(), zap.NewNop())
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	s := testServer(&fakeEngine{}, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{})

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doRequest(s, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s returned %d", path, rec.Code)
		}
	}
}

func TestNowPlayingEndpoint(t *testing.T) {
	engine := &fakeEngine{
		now: core.CanonicalNowPlaying{
			Snapshot: &core.TrackSnapshot{Title: "Song", Artist: "Artist", IsPlaying: true},
			Source:   core.SourceRemote,
			State:    core.StateActiveRemote,
		},
		status: "connected",
	}
	s := testServer(engine, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{})

	rec := doRequest(s, http.MethodGet, "/nowplaying")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var resp nowPlayingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.State != "active_remote" || resp.Source != "remote" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Track == nil || resp.Track.Title != "Song" {
		t.Fatalf("track missing from response: %+v", resp)
	}
	if resp.Connection != "connected" {
		t.Fatalf("connection status missing: %+v", resp)
	}
}

func TestNowPlayingEmptyState(t *testing.T) {
	engine := &fakeEngine{status: "not connected"}
	s := testServer(engine, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{})

	rec := doRequest(s, http.MethodGet, "/nowplaying")
	var resp nowPlayingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.State != "empty" || resp.Source != "" || resp.Track != nil {
		t.Fatalf("unexpected empty response %+v", resp)
	}
}

func TestPlayerCommandEndpoints(t *testing.T) {
	engine := &fakeEngine{
		now: core.CanonicalNowPlaying{State: core.StateActiveLocal, Source: core.SourceLocal},
	}
	s := testServer(engine, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{})

	for _, tc := range []struct{ path, cmd string }{
		{"/player/toggle", "toggle"},
		{"/player/next", "next"},
		{"/player/previous", "previous"},
	} {
		rec := doRequest(s, http.MethodPost, tc.path)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("%s returned %d", tc.path, rec.Code)
		}
	}
	if len(engine.commands) != 3 {
		t.Fatalf("expected 3 commands, got %v", engine.commands)
	}

	// Commands are POST only.
	if rec := doRequest(s, http.MethodGet, "/player/toggle"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on a command endpoint returned %d", rec.Code)
	}
}

func TestPlayerCommandFailureReturnsConflict(t *testing.T) {
	engine := &fakeEngine{cmdErr: errors.New("no playback source backs the canonical state")}
	s := testServer(engine, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{})

	rec := doRequest(s, http.MethodPost, "/player/toggle")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", rec.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	engine := &fakeEngine{}
	s := testServer(engine, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{})

	if rec := doRequest(s, http.MethodPost, "/player/refresh"); rec.Code != http.StatusAccepted {
		t.Fatalf("refresh returned %d", rec.Code)
	}
	if engine.refreshes != 1 {
		t.Fatalf("force refresh not invoked")
	}
}

func TestCallbackExchangesCodeAndSavesCredential(t *testing.T) {
	manager := &fakeManager{}
	s := testServer(&fakeEngine{}, manager, &fakeAuthorizer{}, &fakeHistory{})

	rec := doRequest(s, http.MethodGet, "/callback?code=authcode")
	if rec.Code != http.StatusOK {
		t.Fatalf("callback returned %d: %s", rec.Code, rec.Body.String())
	}
	if manager.savedToken != "access-authcode" {
		t.Fatalf("credential not saved, got %q", manager.savedToken)
	}
}

func TestCallbackRequiresCode(t *testing.T) {
	s := testServer(&fakeEngine{}, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{})

	if rec := doRequest(s, http.MethodGet, "/callback"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing code returned %d", rec.Code)
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	auth := &fakeAuthorizer{exchangeErr: errors.New("code already used")}
	manager := &fakeManager{}
	s := testServer(&fakeEngine{}, manager, auth, &fakeHistory{})

	if rec := doRequest(s, http.MethodGet, "/callback?code=bad"); rec.Code != http.StatusBadGateway {
		t.Fatalf("exchange failure returned %d", rec.Code)
	}
	if manager.savedToken != "" {
		t.Fatalf("credential saved despite failed exchange")
	}
}

func TestLogoutEndpoint(t *testing.T) {
	manager := &fakeManager{}
	s := testServer(&fakeEngine{}, manager, &fakeAuthorizer{}, &fakeHistory{})

	if rec := doRequest(s, http.MethodPost, "/auth/logout"); rec.Code != http.StatusOK {
		t.Fatalf("logout returned %d", rec.Code)
	}
	if manager.logouts != 1 {
		t.Fatalf("logout not forwarded to the manager")
	}
	if rec := doRequest(s, http.MethodGet, "/auth/logout"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET logout returned %d", rec.Code)
	}
}

func TestLoginRedirectsToAuthURL(t *testing.T) {
	s := testServer(&fakeEngine{}, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{})

	rec := doRequest(s, http.MethodGet, "/auth/login")
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("login returned %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://auth.example/authorize?state=nowsync" {
		t.Fatalf("unexpected redirect %q", loc)
	}
}

func TestArtworkEndpoint(t *testing.T) {
	engine := &fakeEngine{
		now: core.CanonicalNowPlaying{
			Snapshot: &core.TrackSnapshot{Title: "Song", ArtworkRef: "https://img.example/a"},
			Source:   core.SourceRemote,
			State:    core.StateActiveRemote,
		},
	}
	artwork := &fakeArtwork{data: []byte("\x89PNG\r\n\x1a\nimagebytes")}
	config := &core.ServerConfig{Host: "127.0.0.1", Port: 0}
	s := NewServer(config, engine, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{}, artwork,
		testMetrics(), zap.NewNop())

	rec := doRequest(s, http.MethodGet, "/artwork")
	if rec.Code != http.StatusOK {
		t.Fatalf("artwork returned %d", rec.Code)
	}
	if len(artwork.refs) != 1 || artwork.refs[0] != "https://img.example/a" {
		t.Fatalf("fetcher not called with the published ref: %v", artwork.refs)
	}
}

func TestArtworkEndpointWithoutTrack(t *testing.T) {
	s := testServer(&fakeEngine{}, &fakeManager{}, &fakeAuthorizer{}, &fakeHistory{})

	if rec := doRequest(s, http.MethodGet, "/artwork"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a track, got %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	history := &fakeHistory{entries: []store.HistoryEntry{
		{Title: "Song", Artist: "Artist", Source: "local"},
	}}
	s := testServer(&fakeEngine{}, &fakeManager{}, &fakeAuthorizer{}, history)

	rec := doRequest(s, http.MethodGet, "/history")
	if rec.Code != http.StatusOK {
		t.Fatalf("history returned %d", rec.Code)
	}

	var entries []store.HistoryEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "Song" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
