package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"viva/voiceloop/internal/vad"
)

type Config struct {
	Server struct {
		Port            string
		ShutdownTimeout time.Duration
	}
	Log struct {
		Level      string
		Filename   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Mode       string
	}
	VAD struct {
		Threshold       float64
		SilenceWindow   time.Duration
		MinDuration     time.Duration
		MaxDuration     time.Duration
		FallbackTimeout time.Duration
		TickInterval    time.Duration
	}
	Turn struct {
		SettleDelay   time.Duration
		ChatErrorText string
	}
	Backend struct {
		BaseURL   string
		APIToken  string
		Timeout   time.Duration
		StatusTTL time.Duration
	}
	Voice struct {
		Locale          string
		RecognitionLang string
		Rate            float64
		SpokenMemory    int
	}
	Bridge struct {
		TokenSecret    string
		TokenTTL       time.Duration
		TokenSkewSecs  int
		CommandTimeout time.Duration
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_ms", 5000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.filename", "logs/voiceloop.log")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 14)
	v.SetDefault("log.mode", "production")

	v.SetDefault("vad.threshold", 0.018)
	v.SetDefault("vad.silence_window_ms", 1150)
	v.SetDefault("vad.min_duration_ms", 1000)
	v.SetDefault("vad.max_duration_ms", 12000)
	v.SetDefault("vad.fallback_timeout_ms", 7000)
	v.SetDefault("vad.tick_interval_ms", 16)

	v.SetDefault("turn.settle_delay_ms", 260)
	v.SetDefault("turn.chat_error_text", "Desculpe, não consegui responder agora. Tente novamente em instantes.")

	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout_ms", 30000)
	v.SetDefault("backend.status_ttl_ms", 60000)

	v.SetDefault("voice.locale", "pt-BR")
	v.SetDefault("voice.recognition_lang", "pt-BR")
	v.SetDefault("voice.rate", 1.0)
	v.SetDefault("voice.spoken_memory", 256)

	v.SetDefault("bridge.token_ttl_min", 720)
	v.SetDefault("bridge.token_skew_secs", 60)
	v.SetDefault("bridge.command_timeout_ms", 10000)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.shutdown_timeout_ms", "SHUTDOWN_TIMEOUT_MS")

	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.filename", "LOG_FILE")
	v.BindEnv("log.max_size", "LOG_MAX_SIZE_MB")
	v.BindEnv("log.max_backups", "LOG_MAX_BACKUPS")
	v.BindEnv("log.max_age", "LOG_MAX_AGE_DAYS")
	v.BindEnv("log.mode", "LOG_MODE")

	v.BindEnv("vad.threshold", "VAD_THRESHOLD")
	v.BindEnv("vad.silence_window_ms", "VAD_SILENCE_WINDOW_MS")
	v.BindEnv("vad.min_duration_ms", "VAD_MIN_DURATION_MS")
	v.BindEnv("vad.max_duration_ms", "VAD_MAX_DURATION_MS")
	v.BindEnv("vad.fallback_timeout_ms", "VAD_FALLBACK_TIMEOUT_MS")
	v.BindEnv("vad.tick_interval_ms", "VAD_TICK_INTERVAL_MS")

	v.BindEnv("turn.settle_delay_ms", "TURN_SETTLE_DELAY_MS")
	v.BindEnv("turn.chat_error_text", "TURN_CHAT_ERROR_TEXT")

	v.BindEnv("backend.base_url", "BACKEND_BASE_URL")
	v.BindEnv("backend.api_token", "BACKEND_API_TOKEN")
	v.BindEnv("backend.timeout_ms", "BACKEND_TIMEOUT_MS")
	v.BindEnv("backend.status_ttl_ms", "BACKEND_STATUS_TTL_MS")

	v.BindEnv("voice.locale", "VOICE_LOCALE")
	v.BindEnv("voice.recognition_lang", "VOICE_RECOGNITION_LANG")
	v.BindEnv("voice.rate", "VOICE_RATE")
	v.BindEnv("voice.spoken_memory", "VOICE_SPOKEN_MEMORY")

	v.BindEnv("bridge.token_secret", "BRIDGE_TOKEN_SECRET")
	v.BindEnv("bridge.token_ttl_min", "BRIDGE_TOKEN_TTL_MIN")
	v.BindEnv("bridge.token_skew_secs", "BRIDGE_TOKEN_SKEW_SECS")
	v.BindEnv("bridge.command_timeout_ms", "BRIDGE_COMMAND_TIMEOUT_MS")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.ShutdownTimeout = millis(v, "server.shutdown_timeout_ms")

	c.Log.Level = v.GetString("log.level")
	c.Log.Filename = v.GetString("log.filename")
	c.Log.MaxSizeMB = v.GetInt("log.max_size")
	c.Log.MaxBackups = v.GetInt("log.max_backups")
	c.Log.MaxAgeDays = v.GetInt("log.max_age")
	c.Log.Mode = v.GetString("log.mode")

	c.VAD.Threshold = v.GetFloat64("vad.threshold")
	c.VAD.SilenceWindow = millis(v, "vad.silence_window_ms")
	c.VAD.MinDuration = millis(v, "vad.min_duration_ms")
	c.VAD.MaxDuration = millis(v, "vad.max_duration_ms")
	c.VAD.FallbackTimeout = millis(v, "vad.fallback_timeout_ms")
	c.VAD.TickInterval = millis(v, "vad.tick_interval_ms")

	c.Turn.SettleDelay = millis(v, "turn.settle_delay_ms")
	c.Turn.ChatErrorText = v.GetString("turn.chat_error_text")

	c.Backend.BaseURL = v.GetString("backend.base_url")
	c.Backend.APIToken = v.GetString("backend.api_token")
	c.Backend.Timeout = millis(v, "backend.timeout_ms")
	c.Backend.StatusTTL = millis(v, "backend.status_ttl_ms")

	c.Voice.Locale = v.GetString("voice.locale")
	c.Voice.RecognitionLang = v.GetString("voice.recognition_lang")
	c.Voice.Rate = v.GetFloat64("voice.rate")
	c.Voice.SpokenMemory = v.GetInt("voice.spoken_memory")

	c.Bridge.TokenSecret = v.GetString("bridge.token_secret")
	c.Bridge.TokenTTL = time.Duration(v.GetInt("bridge.token_ttl_min")) * time.Minute
	c.Bridge.TokenSkewSecs = v.GetInt("bridge.token_skew_secs")
	c.Bridge.CommandTimeout = millis(v, "bridge.command_timeout_ms")

	zap.L().Info("config loaded",
		zap.String("port", c.Server.Port),
		zap.String("backend", c.Backend.BaseURL),
		zap.String("locale", c.Voice.Locale))
	return c
}

// Detector returns the energy-gate settings.
func (c Config) Detector() vad.Config {
	return vad.Config{
		Threshold:       c.VAD.Threshold,
		SilenceWindow:   c.VAD.SilenceWindow,
		MinDuration:     c.VAD.MinDuration,
		MaxDuration:     c.VAD.MaxDuration,
		FallbackTimeout: c.VAD.FallbackTimeout,
	}
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

func toString(v any) string { return fmt.Sprint(v) }
