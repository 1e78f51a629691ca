package main

import (
	"testing"

	"github.com/spf13/viper"
)

func TestRedirectURLFallbackTracksServerFlags(t *testing.T) {
	viper.Set("server-port", 9090)
	t.Cleanup(func() {
		viper.Set("server-port", 8080)
		viper.Set("server-host", defaultServerHost)
	})

	cfg := buildConfig()
	if cfg.Server.Port != 9090 {
		t.Fatalf("server port flag not applied: %d", cfg.Server.Port)
	}
	if cfg.Spotify.RedirectURL != "http://127.0.0.1:9090/callback" {
		t.Fatalf("redirect fallback ignores the server port: %q", cfg.Spotify.RedirectURL)
	}

	viper.Set("server-host", "192.168.1.20")
	cfg = buildConfig()
	if cfg.Spotify.RedirectURL != "http://192.168.1.20:9090/callback" {
		t.Fatalf("redirect fallback ignores the server host: %q", cfg.Spotify.RedirectURL)
	}
}

func TestExplicitRedirectURLWins(t *testing.T) {
	viper.Set("spotify-redirect-url", "https://example.com/hook")
	viper.Set("server-port", 9090)
	t.Cleanup(func() {
		viper.Set("spotify-redirect-url", "")
		viper.Set("server-port", 8080)
	})

	cfg := buildConfig()
	if cfg.Spotify.RedirectURL != "https://example.com/hook" {
		t.Fatalf("explicit redirect URL overridden: %q", cfg.Spotify.RedirectURL)
	}
}
