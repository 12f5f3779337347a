// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Discord       DiscordConfig           `yaml:"discord"`
	Lavalink      LavalinkConfig          `yaml:"lavalink"`
	Playback      PlaybackConfig          `yaml:"playback"`
	Resolvers     []ProviderConfig        `yaml:"resolvers" validate:"required,min=1,dive"`
	ResolverCache ResolverCacheConfig     `yaml:"resolver_cache"`
	Filters       map[string]FilterConfig `yaml:"filters"`
	Messages      MessagesConfig          `yaml:"messages"`
	Spotify       SpotifyConfig           `yaml:"spotify"`
	Control       ControlConfig           `yaml:"control"`
	Storage       StorageConfig           `yaml:"storage"`
}

// DiscordConfig represents chat platform configuration.
type DiscordConfig struct {
	Token          string  `yaml:"token" validate:"required"`
	EditsPerSecond float64 `yaml:"edits_per_second" default:"1" validate:"gt=0"`
	EditBurst      int     `yaml:"edit_burst" default:"2" validate:"gte=1"`
}

// LavalinkConfig represents audio node configuration.
type LavalinkConfig struct {
	ClientName       string       `yaml:"client_name" default:"19dj"`
	ReconnectDelayMs int          `yaml:"reconnect_delay_ms" default:"5000" validate:"gte=100"`
	RequestTimeoutMs int          `yaml:"request_timeout_ms" default:"10000" validate:"gte=100"`
	Nodes            []NodeConfig `yaml:"nodes" validate:"required,min=1,dive"`
}

// NodeConfig represents a single audio node.
type NodeConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Address  string `yaml:"address" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	Secure   bool   `yaml:"secure"`
}

// PlaybackConfig represents queue controller configuration.
type PlaybackConfig struct {
	MaxQueueSize     int         `yaml:"max_queue_size" default:"100" validate:"gte=1,lte=10000"`
	AllowDuplicates  bool        `yaml:"allow_duplicates"`
	DefaultVolume    int         `yaml:"default_volume" default:"50" validate:"gte=1,lte=100"`
	IdleTimeoutSec   int         `yaml:"idle_timeout_sec" default:"300" validate:"gte=0"`
	ConnectTimeoutMs int         `yaml:"connect_timeout_ms" default:"10000" validate:"gte=100,lte=60000"`
	PlayTimeoutMs    int         `yaml:"play_timeout_ms" default:"5000" validate:"gte=100,lte=60000"`
	SocketGraceSec   int         `yaml:"socket_grace_sec" default:"30" validate:"gte=0"`
	MaxTrackFailures int         `yaml:"max_track_failures" default:"3" validate:"gte=0"`
	Retry            RetryConfig `yaml:"retry"`
}

// RetryConfig represents the endpoint retry policy.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" default:"2" validate:"gte=1,lte=5"`
	BackoffMs   int `yaml:"backoff_ms" default:"500" validate:"gte=0,lte=10000"`
}

// IdleTimeout returns the idle leave timeout.
func (p PlaybackConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSec) * time.Second
}

// ConnectTimeout returns the per-attempt connect timeout.
func (p PlaybackConfig) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

// PlayTimeout returns the play acknowledgement timeout.
func (p PlaybackConfig) PlayTimeout() time.Duration {
	return time.Duration(p.PlayTimeoutMs) * time.Millisecond
}

// SocketGrace returns the voice socket recovery window.
func (p PlaybackConfig) SocketGrace() time.Duration {
	return time.Duration(p.SocketGraceSec) * time.Second
}

// Backoff returns the retry backoff.
func (r RetryConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// ProviderConfig represents a single resolver provider configuration.
type ProviderConfig struct {
	Type        string         `yaml:"type" validate:"required,oneof=lavalink spotify"`
	DisplayName string         `yaml:"display_name" validate:"required"`
	Settings    map[string]any `yaml:"settings"`
}

// ResolverCacheConfig represents the resolver result cache.
type ResolverCacheConfig struct {
	Size   int `yaml:"size" default:"256" validate:"gte=0"`
	TTLSec int `yaml:"ttl_sec" default:"600" validate:"gte=0"`
}

// TTL returns how long a cached result stays valid.
func (r ResolverCacheConfig) TTL() time.Duration {
	return time.Duration(r.TTLSec) * time.Second
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// MessagesConfig represents user-facing messages.
type MessagesConfig struct {
	Success               string `yaml:"success" default:"Done."`
	DefaultError          string `yaml:"default_error" default:"Something went wrong."`
	DuplicateTrack        string `yaml:"duplicate_track" default:"That track is already in the queue."`
	QueueFull             string `yaml:"queue_full" default:"The queue is full."`
	TrackNotFound         string `yaml:"track_not_found" default:"No results found."`
	ResolutionFailed      string `yaml:"resolution_failed" default:"Could not look up that track right now."`
	Unplayable            string `yaml:"unplayable" default:"That track cannot be played."`
	InvalidVolume         string `yaml:"invalid_volume" default:"Volume must be between 1 and 100."`
	InvalidLoopMode       string `yaml:"invalid_loop_mode" default:"Loop mode must be off, track or queue."`
	NoVoiceTarget         string `yaml:"no_voice_target" default:"Join a voice channel first."`
	NoTrack               string `yaml:"no_track" default:"Nothing is playing."`
	NotPlaying            string `yaml:"not_playing" default:"Playback is not running."`
	NotPaused             string `yaml:"not_paused" default:"Playback is not paused."`
	NoQueue               string `yaml:"no_queue" default:"There is no active queue in this server."`
	ConnectTimeout        string `yaml:"connect_timeout" default:"Timed out connecting to the voice channel."`
	NoAvailableNode       string `yaml:"no_available_node" default:"No audio node is available."`
	PermissionDenied      string `yaml:"permission_denied" default:"I am not allowed to join that voice channel."`
	TransitionInProgress  string `yaml:"transition_in_progress" default:"The next track is loading, try again."`
	DurationLimitExceeded string `yaml:"duration_limit_exceeded" default:"That track is too long or too short."`
	SourceNotAllowed      string `yaml:"source_not_allowed" default:"Tracks from that source are not allowed."`
}

// SpotifyConfig represents music catalog API configuration.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Market       string `yaml:"market" validate:"omitempty,len=2" default:"US"`
}

// ControlConfig represents the operator control API.
type ControlConfig struct {
	Addr  string `yaml:"addr" default:":8080"`
	Token string `yaml:"token" validate:"required"`
}

// StorageConfig represents persistent storage.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path" default:"19dj.db"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("LAVALINK_PASSWORD"); v != "" {
		for i := range c.Lavalink.Nodes {
			if c.Lavalink.Nodes[i].Password == "" {
				c.Lavalink.Nodes[i].Password = v
			}
		}
	}
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Spotify.ClientSecret = v
	}
	if v := os.Getenv("CONTROL_TOKEN"); v != "" {
		c.Control.Token = v
	}
}

// GetMessage returns the message for the given code.
func (c *Config) GetMessage(code string) string {
	switch code {
	case "success":
		return c.Messages.Success
	case "duplicate_track":
		return c.Messages.DuplicateTrack
	case "queue_full":
		return c.Messages.QueueFull
	case "track_not_found":
		return c.Messages.TrackNotFound
	case "resolution_failed":
		return c.Messages.ResolutionFailed
	case "unplayable":
		return c.Messages.Unplayable
	case "invalid_volume":
		return c.Messages.InvalidVolume
	case "invalid_loop_mode":
		return c.Messages.InvalidLoopMode
	case "no_voice_target":
		return c.Messages.NoVoiceTarget
	case "no_track":
		return c.Messages.NoTrack
	case "not_playing":
		return c.Messages.NotPlaying
	case "not_paused":
		return c.Messages.NotPaused
	case "no_queue":
		return c.Messages.NoQueue
	case "connect_timeout":
		return c.Messages.ConnectTimeout
	case "no_available_node":
		return c.Messages.NoAvailableNode
	case "permission_denied":
		return c.Messages.PermissionDenied
	case "transition_in_progress":
		return c.Messages.TransitionInProgress
	case "duration_limit_exceeded":
		return c.Messages.DurationLimitExceeded
	case "source_not_allowed":
		return c.Messages.SourceNotAllowed
	default:
		return c.Messages.DefaultError
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	if err := c.validateProviders(); err != nil {
		return err
	}

	return nil
}

// validateProviders checks that every configured provider has what it needs.
func (c *Config) validateProviders() error {
	hasLavalink := false
	for i, p := range c.Resolvers {
		switch p.Type {
		case "lavalink":
			hasLavalink = true
		case "spotify":
			if c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "" {
				return errors.Newf("resolver %d (%s) requires spotify.client_id and spotify.client_secret", i, p.DisplayName)
			}
		}
	}
	if !hasLavalink {
		return errors.New("at least one lavalink resolver is required to obtain playable tokens")
	}
	return nil
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// GetFilterSettings returns the settings for a filter.
func (c *Config) GetFilterSettings(filterName string) map[string]any {
	if f, ok := c.Filters[filterName]; ok {
		return f.Settings
	}
	return nil
}

// SpotifyEnabled reports whether the catalog client should be created.
func (c *Config) SpotifyEnabled() bool {
	for _, p := range c.Resolvers {
		if p.Type == "spotify" {
			return true
		}
	}
	return false
}
