package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the immutable-after-load configuration for the whole process.
// Every knob is environment-driven; defaults match a local dev setup.
type Config struct {
	Port   string `validate:"required,numeric"`
	WSPath string `validate:"required,startswith=/"`

	// Admission
	AllowedOrigins []string
	AllowNoOrigin  bool
	RequireToken   bool
	Token          string
	AllowQueryAuth bool

	// Session limits
	IdleTimeout     time.Duration `validate:"gt=0"`
	MaxSessionAge   time.Duration `validate:"gt=0"`
	MaxMessageBytes int64         `validate:"gt=0"`
	MaxSessionBytes int64         `validate:"gt=0"`

	// Turn taking
	SilenceToFinalize time.Duration `validate:"gt=0"`
	EOUGrace          time.Duration
	KeepaliveInterval time.Duration `validate:"gt=0"`

	// Upstream live service
	UpstreamURL            string
	UpstreamModel          string
	UpstreamModalities     []string
	UpstreamTranscription  bool
	UpstreamReadyTimeout   time.Duration `validate:"gt=0"`
	UpstreamAPIKey         string
	UpstreamBillingProject string

	// Batch side channel
	GeminiAPIKey string
	GeminiModel  string
	TTSBase      string

	// Logging
	LogFile string
	Prod    bool
}

func Load() (Config, error) {
	cfg := Config{
		Port:           getenv("PORT", "8080"),
		WSPath:         getenv("WS_PATH", "/v1/stream"),
		AllowedOrigins: splitCSV(getenv("ALLOWED_ORIGINS", "")),
		AllowNoOrigin:  getbool("ALLOW_NO_ORIGIN", false),
		RequireToken:   getbool("REQUIRE_TOKEN", false),
		Token:          os.Getenv("WS_TOKEN"),
		AllowQueryAuth: getbool("ALLOW_QUERY_AUTH", false),

		IdleTimeout:     getsec("IDLE_TIMEOUT_SECONDS", 60),
		MaxSessionAge:   getsec("MAX_SESSION_SECONDS", 600),
		MaxMessageBytes: getint64("MAX_MESSAGE_BYTES", 1<<20),
		MaxSessionBytes: getint64("MAX_SESSION_BYTES", 32<<20),

		SilenceToFinalize: getms("SILENCE_FINALIZE_MS", 1200),
		EOUGrace:          getms("EOU_GRACE_MS", 250),
		KeepaliveInterval: getsec("KEEPALIVE_SECONDS", 5),

		UpstreamURL:            getenv("UPSTREAM_URL", ""),
		UpstreamModel:          getenv("UPSTREAM_MODEL", "gemini-live-2.5-flash-preview"),
		UpstreamModalities:     splitCSV(getenv("UPSTREAM_MODALITIES", "AUDIO")),
		UpstreamTranscription:  getbool("UPSTREAM_INPUT_TRANSCRIPTION", true),
		UpstreamReadyTimeout:   getms("UPSTREAM_READY_TIMEOUT_MS", 4000),
		UpstreamAPIKey:         os.Getenv("UPSTREAM_API_KEY"),
		UpstreamBillingProject: os.Getenv("UPSTREAM_BILLING_PROJECT"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getenv("GEMINI_MODEL", "gemini-2.0-flash"),
		TTSBase:      getenv("TTS_BASE_URL", ""),

		LogFile: getenv("LOG_FILE", "logs/kaiwa.log"),
		Prod:    getbool("PROD", false),
	}
	if cfg.RequireToken && cfg.Token == "" {
		cfg.RequireToken = false
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getbool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func getint64(k string, d int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return d
}

func getsec(k string, d int64) time.Duration {
	return time.Duration(getint64(k, d)) * time.Second
}

func getms(k string, d int64) time.Duration {
	return time.Duration(getint64(k, d)) * time.Millisecond
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
