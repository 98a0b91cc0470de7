package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/androfit/coach/internal/activity"
)

// Config contains all runtime settings for the coaching service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogEncoding      string
	AllowAnyOrigin   bool

	// SessionConnectTimeout bounds how long a created session may wait for
	// its websocket before the janitor expires it.
	SessionConnectTimeout time.Duration
	SessionRetention      time.Duration
	SessionCreatePerMin   int

	IdleTimeout          time.Duration
	WarningDelay         time.Duration
	MaxSessionDuration   time.Duration
	PollInterval         time.Duration
	FarewellDelay        time.Duration
	MonitorErrorBackoff  time.Duration
	IdleWarningText      string
	IdleClosingText      string
	MaxDurationCloseText string

	VoiceProvider string
	BrainProvider string
	PersonaID     string
	GreetingHint  string

	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAISTTModel string
	OpenAITTSModel string
	OpenAITTSVoice string
	OpenAILLMModel string
	STTLanguage    string

	GeminiAPIKey string
	GeminiModel  string

	VADThreshold float64
	VADHangover  time.Duration

	DatabaseURL string
}

// Load reads the optional dotenv file at envFile, then the process
// environment, and applies defaults. Process environment wins over the file.
func Load(envFile string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if strings.TrimSpace(envFile) != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read env file %q: %w", envFile, err)
			}
		}
	}

	cfg := Config{
		BindAddr:         bindAddr(v),
		MetricsNamespace: trimmed(v, "APP_METRICS_NAMESPACE"),
		LogLevel:         trimmed(v, "LOG_LEVEL"),
		LogEncoding:      trimmed(v, "LOG_ENCODING"),

		IdleWarningText:      trimmed(v, "IDLE_WARNING_TEXT"),
		IdleClosingText:      trimmed(v, "IDLE_CLOSING_TEXT"),
		MaxDurationCloseText: trimmed(v, "MAX_DURATION_CLOSING_TEXT"),

		VoiceProvider: strings.ToLower(trimmed(v, "VOICE_PROVIDER")),
		BrainProvider: strings.ToLower(trimmed(v, "BRAIN_PROVIDER")),
		PersonaID:     strings.ToLower(trimmed(v, "COACH_PERSONA")),
		GreetingHint:  trimmed(v, "COACH_GREETING_INSTRUCTIONS"),

		OpenAIAPIKey:   trimmed(v, "OPENAI_API_KEY"),
		OpenAIBaseURL:  trimmed(v, "OPENAI_BASE_URL"),
		OpenAISTTModel: trimmed(v, "OPENAI_STT_MODEL"),
		OpenAITTSModel: trimmed(v, "OPENAI_TTS_MODEL"),
		OpenAITTSVoice: trimmed(v, "OPENAI_TTS_VOICE"),
		OpenAILLMModel: trimmed(v, "OPENAI_LLM_MODEL"),
		STTLanguage:    trimmed(v, "STT_LANGUAGE"),

		GeminiAPIKey: trimmed(v, "GEMINI_API_KEY"),
		GeminiModel:  trimmed(v, "GEMINI_MODEL"),

		DatabaseURL: trimmed(v, "DATABASE_URL"),
	}
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = trimmed(v, "GOOGLE_API_KEY")
	}

	var errs []error
	seconds := func(key string) time.Duration {
		d, err := secondsValue(key, trimmed(v, key))
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	cfg.ShutdownTimeout = seconds("APP_SHUTDOWN_TIMEOUT")
	cfg.SessionConnectTimeout = seconds("SESSION_CONNECT_TIMEOUT")
	cfg.SessionRetention = seconds("SESSION_RETENTION")
	cfg.IdleTimeout = seconds("IDLE_TIMEOUT")
	cfg.WarningDelay = seconds("WARNING_DELAY")
	cfg.MaxSessionDuration = seconds("MAX_SESSION_DURATION")
	cfg.PollInterval = seconds("POLL_INTERVAL")
	cfg.FarewellDelay = seconds("FAREWELL_DELAY")
	cfg.MonitorErrorBackoff = seconds("MONITOR_ERROR_BACKOFF")
	cfg.VADHangover = seconds("VAD_HANGOVER")

	var err error
	if cfg.AllowAnyOrigin, err = boolValue("APP_ALLOW_ANY_ORIGIN", trimmed(v, "APP_ALLOW_ANY_ORIGIN")); err != nil {
		errs = append(errs, err)
	}
	if cfg.SessionCreatePerMin, err = intValue("SESSION_CREATE_PER_MIN", trimmed(v, "SESSION_CREATE_PER_MIN")); err != nil {
		errs = append(errs, err)
	}
	if cfg.VADThreshold, err = floatValue("VAD_THRESHOLD", trimmed(v, "VAD_THRESHOLD")); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if err := c.Activity().Validate(); err != nil {
		return err
	}
	if c.PollInterval > c.IdleTimeout {
		return fmt.Errorf("POLL_INTERVAL (%s) must not exceed IDLE_TIMEOUT (%s)", c.PollInterval, c.IdleTimeout)
	}
	if c.SessionConnectTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_CONNECT_TIMEOUT must be at least 5s")
	}
	if c.SessionCreatePerMin <= 0 {
		return fmt.Errorf("SESSION_CREATE_PER_MIN must be positive")
	}
	if c.VADThreshold <= 0 || c.VADThreshold >= 1 {
		return fmt.Errorf("VAD_THRESHOLD must be in (0, 1)")
	}
	switch c.VoiceProvider {
	case "auto", "openai", "mock":
	default:
		return fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|openai|mock)", c.VoiceProvider)
	}
	switch c.BrainProvider {
	case "auto", "openai", "gemini", "mock":
	default:
		return fmt.Errorf("invalid BRAIN_PROVIDER: %q (expected auto|openai|gemini|mock)", c.BrainProvider)
	}
	return nil
}

// Activity returns the activity monitor thresholds.
func (c Config) Activity() activity.Config {
	return activity.Config{
		IdleTimeout:        c.IdleTimeout,
		WarningDelay:       c.WarningDelay,
		MaxSessionDuration: c.MaxSessionDuration,
		PollInterval:       c.PollInterval,
		ErrorBackoff:       c.MonitorErrorBackoff,
		FarewellDelay:      c.FarewellDelay,
		Messages: activity.Messages{
			Warning:            c.IdleWarningText,
			IdleClosing:        c.IdleClosingText,
			MaxDurationClosing: c.MaxDurationCloseText,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8081")
	v.SetDefault("APP_METRICS_NAMESPACE", "androfit")
	v.SetDefault("APP_SHUTDOWN_TIMEOUT", "15")
	v.SetDefault("APP_ALLOW_ANY_ORIGIN", "false")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_ENCODING", "json")

	v.SetDefault("SESSION_CONNECT_TIMEOUT", "120")
	v.SetDefault("SESSION_RETENTION", "900")
	v.SetDefault("SESSION_CREATE_PER_MIN", "30")

	v.SetDefault("IDLE_TIMEOUT", "60")
	v.SetDefault("WARNING_DELAY", "45")
	v.SetDefault("MAX_SESSION_DURATION", "1800")
	v.SetDefault("POLL_INTERVAL", "5")
	v.SetDefault("FAREWELL_DELAY", "3")
	v.SetDefault("MONITOR_ERROR_BACKOFF", "1")

	v.SetDefault("VOICE_PROVIDER", "auto")
	v.SetDefault("BRAIN_PROVIDER", "auto")
	v.SetDefault("COACH_PERSONA", "androfit")
	v.SetDefault("COACH_GREETING_INSTRUCTIONS", "Greet the user and offer assistance.")

	v.SetDefault("OPENAI_STT_MODEL", "whisper-1")
	v.SetDefault("OPENAI_TTS_MODEL", "tts-1")
	v.SetDefault("OPENAI_TTS_VOICE", "alloy")
	v.SetDefault("OPENAI_LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("STT_LANGUAGE", "en")
	v.SetDefault("GEMINI_MODEL", "gemini-2.0-flash")

	v.SetDefault("VAD_THRESHOLD", "0.02")
	v.SetDefault("VAD_HANGOVER", "0.6")
}

func bindAddr(v *viper.Viper) string {
	if addr := trimmed(v, "APP_BIND_ADDR"); addr != "" {
		return addr
	}
	return "0.0.0.0:" + trimmed(v, "PORT")
}

func trimmed(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

// maxDurationSeconds is the largest whole number of seconds a time.Duration holds.
const maxDurationSeconds = float64(math.MaxInt64 / int64(time.Second))

// secondsValue accepts a plain number of seconds ("45", "0.5") or a Go
// duration string ("45s", "1m30s").
func secondsValue(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is empty", key)
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) > maxDurationSeconds {
			return 0, fmt.Errorf("%s out of range: %q seconds", key, raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: expected seconds or duration, got %q", key, raw)
	}
	return d, nil
}

func intValue(key, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatValue(key, raw string) (float64, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolValue(key, raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "", "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
