package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"

	"nowsync/internal/core"
)

func testClient() *Client {
	config := &core.Spotify{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURL:  "http://127.0.0.1:8080/callback",
	}
	remote := &core.RemoteConfig{
		SnapshotTimeout: 100 * time.Millisecond,
	}
	return NewClient(config, remote, zap.NewNop())
}

func TestClassifyAPIStatuses(t *testing.T) {
	c := testClient()

	cases := []struct {
		name   string
		err    error
		want   core.ErrorKind
		scopes bool
	}{
		{"unauthorized", spotify.Error{Status: http.StatusUnauthorized, Message: "expired"}, core.KindUnauthorized, false},
		{"forbidden plain", spotify.Error{Status: http.StatusForbidden, Message: "premium required"}, core.KindUnauthorized, false},
		{"forbidden missing scope", spotify.Error{Status: http.StatusForbidden, Message: "Insufficient client scope"}, core.KindUnauthorized, true},
		{"not found", spotify.Error{Status: http.StatusNotFound, Message: "no active device"}, core.KindNotInstalled, false},
		{"deadline", context.DeadlineExceeded, core.KindTimeout, false},
		{"plain network", errors.New("connection refused"), core.KindNetwork, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := c.classify(fmt.Errorf("request failed: %w", tc.err))
			if got := core.KindOf(classified); got != tc.want {
				t.Fatalf("classify(%v) kind = %s, want %s", tc.err, got, tc.want)
			}

			var se *core.SourceError
			if !errors.As(classified, &se) {
				t.Fatalf("classification lost the source error wrapper")
			}
			if tc.scopes != (len(se.MissingScopes) > 0) {
				t.Fatalf("missing scopes = %v, want present=%v", se.MissingScopes, tc.scopes)
			}
		})
	}
}

func TestClassifyPreservesCause(t *testing.T) {
	c := testClient()

	cause := spotify.Error{Status: http.StatusUnauthorized, Message: "expired"}
	classified := c.classify(fmt.Errorf("request failed: %w", cause))

	var spErr spotify.Error
	if !errors.As(classified, &spErr) || spErr.Status != http.StatusUnauthorized {
		t.Fatalf("original API error not reachable through the wrapper")
	}
}

func TestConvertTrackFlattensMetadata(t *testing.T) {
	track := &spotify.FullTrack{
		SimpleTrack: spotify.SimpleTrack{
			Name: "Song",
			Artists: []spotify.SimpleArtist{
				{Name: "Main"},
				{Name: "Guest"},
			},
		},
		Album: spotify.SimpleAlbum{
			Name: "Album",
			Images: []spotify.Image{
				{URL: "https://img.example/large"},
				{URL: "https://img.example/small"},
			},
		},
	}

	observedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := convertTrack(track, true, observedAt)

	if snap.Title != "Song" {
		t.Fatalf("unexpected title %q", snap.Title)
	}
	if snap.Artist != "Main, Guest" {
		t.Fatalf("unexpected artist %q", snap.Artist)
	}
	if snap.Album != "Album" {
		t.Fatalf("unexpected album %q", snap.Album)
	}
	if snap.ArtworkRef != "https://img.example/large" {
		t.Fatalf("expected first image as artwork ref, got %q", snap.ArtworkRef)
	}
	if !snap.IsPlaying || snap.Source != core.SourceRemote {
		t.Fatalf("snapshot flags wrong: %+v", snap)
	}
	if !snap.ObservedAt.Equal(observedAt) {
		t.Fatalf("observation time not stamped")
	}
}

func TestOperationsWithoutConnectionFailAsUnavailable(t *testing.T) {
	c := testClient()
	ctx := context.Background()

	if _, err := c.Snapshot(ctx); core.KindOf(err) != core.KindSourceUnavailable {
		t.Fatalf("snapshot without connection: %v", err)
	}
	if err := c.Ping(ctx); core.KindOf(err) != core.KindSourceUnavailable {
		t.Fatalf("ping without connection: %v", err)
	}
	if err := c.Command(ctx, core.CommandNext); core.KindOf(err) != core.KindSourceUnavailable {
		t.Fatalf("command without connection: %v", err)
	}
}

func TestConnectRejectsEmptyCredential(t *testing.T) {
	c := testClient()

	if err := c.Connect(context.Background(), nil); !core.IsUnauthorized(err) {
		t.Fatalf("nil credential: %v", err)
	}
	if err := c.Connect(context.Background(), &core.Credential{}); !core.IsUnauthorized(err) {
		t.Fatalf("empty token: %v", err)
	}
}

func TestAuthURLCarriesState(t *testing.T) {
	c := testClient()

	url := c.AuthURL("probe-state")
	if url == "" {
		t.Fatalf("empty auth URL")
	}
	if want := "state=probe-state"; !strings.Contains(url, want) {
		t.Fatalf("auth URL %q missing %q", url, want)
	}
}
