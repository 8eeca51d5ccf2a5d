package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service and client configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Store         StoreConfig         `yaml:"store"`
	Inbox         InboxConfig         `yaml:"inbox"`
	Client        ClientConfig        `yaml:"client"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	Address         string   `yaml:"address"`
	MaxUploadMB     int      `yaml:"max_upload_mb"`
	ShutdownTimeout int      `yaml:"shutdown_timeout"` // seconds
	AllowedOrigins  []string `yaml:"allowed_origins"`  // websocket origins, empty allows same host only
}

// AudioConfig contains audio conversion parameters
type AudioConfig struct {
	FFmpegPath    string `yaml:"ffmpeg_path"`
	TempDir       string `yaml:"temp_dir"`
	SampleRate    int    `yaml:"sample_rate"`
	MinBytes      int    `yaml:"min_bytes"`
	MinDurationMs int    `yaml:"min_duration_ms"`
}

// TranscriptionConfig selects and configures the transcription backend
type TranscriptionConfig struct {
	Backend string             `yaml:"backend"` // "local" or "remote"
	Local   LocalEngineConfig  `yaml:"local"`
	Remote  RemoteEngineConfig `yaml:"remote"`
}

// LocalEngineConfig configures the subprocess speech model
type LocalEngineConfig struct {
	Command       string   `yaml:"command"`
	Args          []string `yaml:"args"`
	Timeout       int      `yaml:"timeout"` // seconds
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// RemoteEngineConfig contains transcription API configuration
type RemoteEngineConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
}

// SessionsConfig contains chunk session registry configuration
type SessionsConfig struct {
	Timeout         int `yaml:"timeout"`          // seconds
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
}

// StoreConfig contains transcript store configuration
type StoreConfig struct {
	ExportTimezone string `yaml:"export_timezone"`
}

// InboxConfig contains the drop-folder watcher configuration
type InboxConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Directory  string   `yaml:"directory"`
	MeetingID  string   `yaml:"meeting_id"`
	AuthorID   string   `yaml:"author_id"`
	AuthorName string   `yaml:"author_name"`
	Extensions []string `yaml:"extensions"`
}

// ClientConfig contains recording client configuration
type ClientConfig struct {
	ServerURL        string `yaml:"server_url"`
	UserID           string `yaml:"user_id"`
	UserName         string `yaml:"user_name"`
	MeetingID        string `yaml:"meeting_id"`
	Device           string `yaml:"device"`       // "portaudio" or "ffmpeg"
	DeviceIndex      int    `yaml:"device_index"` // portaudio device, 0 for the default input
	InputFormat      string `yaml:"input_format"` // ffmpeg -f value
	InputDevice      string `yaml:"input_device"` // ffmpeg -i value
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	IntervalMs       int    `yaml:"interval_ms"`
	MinFragmentBytes int    `yaml:"min_fragment_bytes"`
	SubmitTimeout    int    `yaml:"submit_timeout"` // seconds
	Sync             string `yaml:"sync"`           // "poll" or "websocket"
	PollIntervalMs   int    `yaml:"poll_interval_ms"`
	MaxUnavailable   int    `yaml:"max_unavailable"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that runs with a local engine on localhost
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            8080,
			Address:         "0.0.0.0",
			MaxUploadMB:     50,
			ShutdownTimeout: 30,
		},
		Audio: AudioConfig{
			FFmpegPath:    "ffmpeg",
			SampleRate:    16000,
			MinBytes:      1000,
			MinDurationMs: 100,
		},
		Transcription: TranscriptionConfig{
			Backend: "local",
			Local: LocalEngineConfig{
				Command:       "python3",
				Args:          []string{"transcribe.py"},
				Timeout:       300,
				MaxConcurrent: 2,
			},
			Remote: RemoteEngineConfig{
				Model:         "whisper-1",
				Timeout:       60,
				MaxRetries:    2,
				MaxConcurrent: 10,
				OutputFormat:  "json",
			},
		},
		Sessions: SessionsConfig{
			Timeout:         1800,
			CleanupInterval: 30,
		},
		Store: StoreConfig{
			ExportTimezone: "Local",
		},
		Inbox: InboxConfig{
			AuthorID:   "inbox",
			AuthorName: "Inbox",
			Extensions: []string{".wav", ".webm", ".ogg", ".m4a", ".mp3"},
		},
		Client: ClientConfig{
			ServerURL:        "http://localhost:8080",
			Device:           "portaudio",
			InputFormat:      "pulse",
			InputDevice:      "default",
			SampleRate:       16000,
			Channels:         1,
			IntervalMs:       15000,
			MinFragmentBytes: 4000,
			SubmitTimeout:    120,
			Sync:             "poll",
			PollIntervalMs:   1000,
			MaxUnavailable:   5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads the configuration file over the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides lets deployments keep backend selection and credentials
// out of the config file
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("AGGLO_TRANSCRIPTION_BACKEND"); v != "" {
		config.Transcription.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("AGGLO_TRANSCRIPTION_API_KEY"); v != "" {
		config.Transcription.Remote.APIKey = v
	}
	if v := os.Getenv("AGGLO_TRANSCRIPTION_ENDPOINT"); v != "" {
		config.Transcription.Remote.Endpoint = v
	}
	if v := os.Getenv("AGGLO_SERVER_URL"); v != "" {
		config.Client.ServerURL = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.Inbox.Validate(); err != nil {
		return fmt.Errorf("inbox config: %w", err)
	}

	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}

	if h.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", h.MaxUploadMB)
	}

	if h.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", h.ShutdownTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 22050: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of 8000, 16000, 22050, 44100, 48000, got %d", a.SampleRate)
	}

	if a.MinBytes < 0 {
		return fmt.Errorf("min_bytes cannot be negative, got %d", a.MinBytes)
	}

	if a.MinDurationMs < 0 {
		return fmt.Errorf("min_duration_ms cannot be negative, got %d", a.MinDurationMs)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Backend {
	case "local":
		if t.Local.Command == "" {
			return fmt.Errorf("local.command cannot be empty")
		}
		if t.Local.Timeout < 1 {
			return fmt.Errorf("local.timeout must be at least 1 second, got %d", t.Local.Timeout)
		}
		if t.Local.MaxConcurrent < 1 {
			return fmt.Errorf("local.max_concurrent must be at least 1, got %d", t.Local.MaxConcurrent)
		}
	case "remote":
		return t.Remote.Validate()
	default:
		return fmt.Errorf("backend must be 'local' or 'remote', got '%s'", t.Backend)
	}
	return nil
}

// Validate validates remote transcription API configuration
func (r *RemoteEngineConfig) Validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("remote.endpoint cannot be empty")
	}

	if r.APIKey == "" {
		return fmt.Errorf("remote.api_key cannot be empty")
	}

	if r.Timeout < 1 {
		return fmt.Errorf("remote.timeout must be at least 1 second, got %d", r.Timeout)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("remote.max_retries cannot be negative, got %d", r.MaxRetries)
	}

	if r.MaxConcurrent < 1 {
		return fmt.Errorf("remote.max_concurrent must be at least 1, got %d", r.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[r.OutputFormat] {
		return fmt.Errorf("remote.output_format must be 'json' or 'text', got '%s'", r.OutputFormat)
	}

	return nil
}

// Validate validates session registry configuration
func (s *SessionsConfig) Validate() error {
	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	if _, err := s.GetExportLocation(); err != nil {
		return fmt.Errorf("export_timezone: %w", err)
	}
	return nil
}

// Validate validates inbox configuration
func (i *InboxConfig) Validate() error {
	if !i.Enabled {
		return nil
	}

	if i.Directory == "" {
		return fmt.Errorf("directory cannot be empty when the inbox is enabled")
	}

	if i.MeetingID == "" {
		return fmt.Errorf("meeting_id cannot be empty when the inbox is enabled")
	}

	if i.AuthorID == "" {
		return fmt.Errorf("author_id cannot be empty when the inbox is enabled")
	}

	return nil
}

// Validate validates client configuration
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url cannot be empty")
	}

	validDevices := map[string]bool{"portaudio": true, "ffmpeg": true}
	if !validDevices[c.Device] {
		return fmt.Errorf("device must be 'portaudio' or 'ffmpeg', got '%s'", c.Device)
	}

	if c.DeviceIndex < 0 {
		return fmt.Errorf("device_index cannot be negative, got %d", c.DeviceIndex)
	}

	if c.Device == "ffmpeg" && (c.InputFormat == "" || c.InputDevice == "") {
		return fmt.Errorf("input_format and input_device are required for the ffmpeg device")
	}

	if c.SampleRate < 8000 {
		return fmt.Errorf("sample_rate must be at least 8000 Hz, got %d", c.SampleRate)
	}

	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}

	if c.IntervalMs < 1000 {
		return fmt.Errorf("interval_ms must be at least 1000, got %d", c.IntervalMs)
	}

	if c.MinFragmentBytes < 0 {
		return fmt.Errorf("min_fragment_bytes cannot be negative, got %d", c.MinFragmentBytes)
	}

	validSync := map[string]bool{"poll": true, "websocket": true}
	if !validSync[c.Sync] {
		return fmt.Errorf("sync must be 'poll' or 'websocket', got '%s'", c.Sync)
	}

	if c.PollIntervalMs < 100 {
		return fmt.Errorf("poll_interval_ms must be at least 100, got %d", c.PollIntervalMs)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// GetShutdownTimeout returns the graceful shutdown timeout as a time.Duration
func (h *HTTPConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(h.ShutdownTimeout) * time.Second
}

// GetMaxUploadBytes returns the upload size limit in bytes
func (h *HTTPConfig) GetMaxUploadBytes() int64 {
	return int64(h.MaxUploadMB) << 20
}

// GetMinDuration returns the minimum converted audio duration
func (a *AudioConfig) GetMinDuration() time.Duration {
	return time.Duration(a.MinDurationMs) * time.Millisecond
}

// GetTimeoutDuration returns the local engine timeout as a time.Duration
func (l *LocalEngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}

// GetTimeoutDuration returns the remote engine timeout as a time.Duration
func (r *RemoteEngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetTimeoutDuration returns the session inactivity timeout
func (s *SessionsConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetCleanupInterval returns the session cleanup interval
func (s *SessionsConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetExportLocation resolves the time zone used in exported transcripts
func (s *StoreConfig) GetExportLocation() (*time.Location, error) {
	if s.ExportTimezone == "" || s.ExportTimezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(s.ExportTimezone)
}

// GetInterval returns the fragment emission interval
func (c *ClientConfig) GetInterval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// GetPollInterval returns the transcript polling interval
func (c *ClientConfig) GetPollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// GetSubmitTimeout returns the per-window submission timeout
func (c *ClientConfig) GetSubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeout) * time.Second
}
