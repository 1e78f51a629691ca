// Package spotify implements the remote playback source over the Spotify
// Web API: connection and authorization, snapshot capture, liveness checks,
// playback commands, and artwork fetching.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"nowsync/internal/core"
)

const (
	// ArtworkCacheSize bounds the in-memory artwork cache.
	ArtworkCacheSize = 64
	// artworkFetchTimeout bounds a single artwork download.
	artworkFetchTimeout = 5 * time.Second
)

// requiredScopes are the playback scopes the app asks for; a 403 from the
// player endpoints usually means one of these is missing.
var requiredScopes = []string{
	spotifyauth.ScopeUserReadCurrentlyPlaying,
	spotifyauth.ScopeUserReadPlaybackState,
	spotifyauth.ScopeUserModifyPlaybackState,
}

// Client is the remote source adapter. It holds at most one authenticated
// Spotify client; Connect replaces it and Disconnect drops it. On an
// Unauthorized response the in-memory client is invalidated immediately so a
// bad credential is never retried here.
type Client struct {
	config       *core.Spotify
	remoteConfig *core.RemoteConfig
	logger       *zap.Logger
	auth         *spotifyauth.Authenticator

	mu     sync.Mutex
	client *spotify.Client

	artwork    *lru.Cache[string, []byte]
	httpClient *http.Client
}

func NewClient(config *core.Spotify, remoteConfig *core.RemoteConfig, logger *zap.Logger) *Client {
	auth := spotifyauth.New(
		spotifyauth.WithRedirectURL(config.RedirectURL),
		spotifyauth.WithScopes(requiredScopes...),
		spotifyauth.WithClientID(config.ClientID),
		spotifyauth.WithClientSecret(config.ClientSecret),
	)

	artwork, _ := lru.New[string, []byte](ArtworkCacheSize)

	return &Client{
		config:       config,
		remoteConfig: remoteConfig,
		logger:       logger,
		auth:         auth,
		artwork:      artwork,
		httpClient:   &http.Client{Timeout: artworkFetchTimeout},
	}
}

// AuthURL returns the out-of-band authorization URL for a fresh login.
func (c *Client) AuthURL(state string) string {
	return c.auth.AuthURL(state)
}

// Exchange turns an authorization code into a token. Used by the callback
// handler before the resulting access token is handed to the resilience
// manager.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := c.auth.Exchange(ctx, code)
	if err != nil {
		return nil, c.classify(fmt.Errorf("failed to exchange authorization code: %w", err))
	}
	return token, nil
}

// Connect builds an authenticated client from the credential and verifies it
// against the API. Unauthorized rejections invalidate the in-memory client.
func (c *Client) Connect(ctx context.Context, cred *core.Credential) error {
	if cred == nil || cred.Token == "" {
		return core.NewSourceError(core.KindUnauthorized, errors.New("no credential"))
	}

	token := &oauth2.Token{AccessToken: cred.Token, TokenType: "Bearer"}
	client := spotify.New(c.auth.Client(ctx, token))

	user, err := client.CurrentUser(ctx)
	if err != nil {
		c.invalidate()
		return c.classify(fmt.Errorf("connect verification failed: %w", err))
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Info("Connected to Spotify", zap.String("user", user.DisplayName))
	return nil
}

// Disconnect drops the in-memory client. The persisted credential is owned
// by the resilience manager; preserveCredential only documents intent here.
func (c *Client) Disconnect(preserveCredential bool) {
	c.invalidate()
	c.logger.Debug("Disconnected from Spotify",
		zap.Bool("preserveCredential", preserveCredential))
}

// Snapshot captures the current remote player state within the configured
// timeout. A connected account with nothing playing yields (nil, nil).
func (c *Client) Snapshot(ctx context.Context) (*core.TrackSnapshot, error) {
	client := c.current()
	if client == nil {
		return nil, core.NewSourceError(core.KindSourceUnavailable, errors.New("not connected"))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.remoteConfig.SnapshotTimeout)
	defer cancel()

	currently, err := client.PlayerCurrentlyPlaying(fetchCtx)
	if err != nil {
		classified := c.classify(fmt.Errorf("failed to get currently playing: %w", err))
		if core.IsUnauthorized(classified) {
			c.invalidate()
		}
		return nil, classified
	}

	if currently == nil || currently.Item == nil {
		return nil, nil
	}

	return convertTrack(currently.Item, currently.Playing, time.Now()), nil
}

// Ping is the lightweight liveness check used while connected.
func (c *Client) Ping(ctx context.Context) error {
	client := c.current()
	if client == nil {
		return core.NewSourceError(core.KindSourceUnavailable, errors.New("not connected"))
	}

	if _, err := client.PlayerDevices(ctx); err != nil {
		classified := c.classify(fmt.Errorf("liveness check failed: %w", err))
		if core.IsUnauthorized(classified) {
			c.invalidate()
		}
		return classified
	}
	return nil
}

// Command applies a playback command to the remote player.
func (c *Client) Command(ctx context.Context, cmd core.PlaybackCommand) error {
	client := c.current()
	if client == nil {
		return core.NewSourceError(core.KindSourceUnavailable, errors.New("not connected"))
	}

	var err error
	switch cmd {
	case core.CommandToggle:
		err = c.toggle(ctx, client)
	case core.CommandNext:
		err = client.Next(ctx)
	case core.CommandPrevious:
		err = client.Previous(ctx)
	default:
		return fmt.Errorf("unsupported playback command %q", cmd)
	}

	if err != nil {
		classified := c.classify(fmt.Errorf("playback command %s failed: %w", cmd, err))
		if core.IsUnauthorized(classified) {
			c.invalidate()
		}
		return classified
	}
	return nil
}

func (c *Client) toggle(ctx context.Context, client *spotify.Client) error {
	state, err := client.PlayerState(ctx)
	if err != nil {
		return err
	}
	if state != nil && state.Playing {
		return client.Pause(ctx)
	}
	return client.Play(ctx)
}

// Artwork fetches the artwork bytes behind a snapshot's artwork reference,
// serving repeats from a bounded LRU cache.
func (c *Client) Artwork(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, errors.New("empty artwork reference")
	}

	if data, ok := c.artwork.Get(ref); ok {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("invalid artwork reference: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(fmt.Errorf("artwork fetch failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artwork fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artwork body: %w", err)
	}

	c.artwork.Add(ref, data)
	return data, nil
}

func (c *Client) current() *spotify.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
}

// classify maps transport and API failures onto the engine's error taxonomy.
func (c *Client) classify(err error) error {
	var spErr spotify.Error
	if errors.As(err, &spErr) {
		switch spErr.Status {
		case http.StatusUnauthorized:
			return core.NewSourceError(core.KindUnauthorized, err)
		case http.StatusForbidden:
			se := core.NewSourceError(core.KindUnauthorized, err)
			if strings.Contains(strings.ToLower(spErr.Message), "scope") {
				se.MissingScopes = requiredScopes
			}
			return se
		case http.StatusNotFound:
			return core.NewSourceError(core.KindNotInstalled, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewSourceError(core.KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewSourceError(core.KindTimeout, err)
	}

	return core.NewSourceError(core.KindNetwork, err)
}

// convertTrack builds a typed snapshot from the API response. Metadata is
// validated and flattened at this boundary; nothing downstream touches the
// raw API types.
func convertTrack(track *spotify.FullTrack, playing bool, observedAt time.Time) *core.TrackSnapshot {
	var artists []string
	for _, artist := range track.Artists {
		artists = append(artists, artist.Name)
	}

	var artworkRef string
	if len(track.Album.Images) > 0 {
		artworkRef = track.Album.Images[0].URL
	}

	return &core.TrackSnapshot{
		Title:      track.Name,
		Artist:     strings.Join(artists, ", "),
		Album:      track.Album.Name,
		ArtworkRef: artworkRef,
		IsPlaying:  playing,
		Source:     core.SourceRemote,
		ObservedAt: observedAt,
	}
}
