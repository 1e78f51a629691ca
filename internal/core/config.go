package core

import (
	"time"
)

type Config struct {
	Spotify Spotify
	Engine  EngineConfig
	Remote  RemoteConfig
	Local   LocalConfig
	Store   StoreConfig
	Server  ServerConfig
	Log     LogConfig
}

type Spotify struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// EngineConfig carries the reconciliation heuristics. The windows were tuned
// empirically; only their relative magnitudes (short recency window, much
// longer local staleness window) are load-bearing.
type EngineConfig struct {
	ReconcileInterval    time.Duration
	RecencyWindow        time.Duration
	LocalStalenessWindow time.Duration
	// RemoteStalenessWindow is short: remote observations arrive once per
	// reconcile tick while connected, so the window only needs to cover a
	// single observation gap.
	RemoteStalenessWindow time.Duration
	SettleDelay           time.Duration
}

type RemoteConfig struct {
	ConnectTimeout  time.Duration
	SnapshotTimeout time.Duration
	// FastRetryInterval applies for the first FastRetryLimit consecutive
	// failures; afterwards SlowRetryInterval applies indefinitely.
	FastRetryInterval time.Duration
	SlowRetryInterval time.Duration
	FastRetryLimit    int
	LivenessInterval  time.Duration
	// CredentialTTL only drives a "may be stale" log hint, never discard.
	CredentialTTL time.Duration
}

type LocalConfig struct {
	PollInterval time.Duration
}

type StoreConfig struct {
	DatabasePath   string
	HistoryMax     int
	HistoryBloomFP float64
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: Spotify{
			RedirectURL: "http://127.0.0.1:8080/callback",
		},
		Engine: EngineConfig{
			ReconcileInterval:     2 * time.Second,
			RecencyWindow:         3 * time.Second,
			LocalStalenessWindow:  30 * time.Second,
			RemoteStalenessWindow: 3 * time.Second,
			SettleDelay:           250 * time.Millisecond,
		},
		Remote: RemoteConfig{
			ConnectTimeout:    10 * time.Second,
			SnapshotTimeout:   1500 * time.Millisecond,
			FastRetryInterval: 5 * time.Second,
			SlowRetryInterval: 30 * time.Second,
			FastRetryLimit:    10,
			LivenessInterval:  30 * time.Second,
			CredentialTTL:     time.Hour,
		},
		Local: LocalConfig{
			PollInterval: 2 * time.Second,
		},
		Store: StoreConfig{
			DatabasePath:   "./nowsync.db",
			HistoryMax:     10000,
			HistoryBloomFP: 0.001,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
