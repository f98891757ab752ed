package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Addr               string
	ModelDir           string
	ModelMirror        string
	DownloadTimeoutSec int
	Threads            int
	MaxMessageBytes    int64
	ReadTimeoutSec     int
	EventBuffer        int
	// OTLPEndpoint enables metric export when set.
	OTLPEndpoint       string
	OTLPInsecure       bool
	MetricsIntervalSec int
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "0", "false", "no", "off", "False", "FALSE":
			return false
		default:
			return true
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// LoadDotEnv pre-loads variables from path (default ".env") without
// overriding anything already set in the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) {
	if path == "" {
		path = getenv("WHISPER_ENV_FILE", ".env")
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config: failed to load env file")
		return
	}
	if getenvBool("WHISPER_ENV_VERBOSE", false) {
		log.Info().Str("path", path).Msg("config: loaded env file")
	}
}

func Load() Config {
	cfg := Config{
		Addr:               getenv("WHISPER_GO_ADDR", ":8080"),
		ModelDir:           getenv("WHISPER_MODEL_DIR", "./models"),
		ModelMirror:        getenv("WHISPER_MODEL_MIRROR", ""),
		DownloadTimeoutSec: getenvInt("WHISPER_DOWNLOAD_TIMEOUT", 1800),
		Threads:            getenvInt("WHISPER_THREADS", 0),
		MaxMessageBytes:    int64(getenvInt("WHISPER_MAX_MESSAGE_BYTES", 256<<20)),
		ReadTimeoutSec:     getenvInt("WHISPER_READ_TIMEOUT", 60),
		EventBuffer:        getenvInt("WHISPER_EVENT_BUFFER", 64),
		OTLPEndpoint:       getenv("WHISPER_OTLP_ENDPOINT", ""),
		OTLPInsecure:       getenvBool("WHISPER_OTLP_INSECURE", true),
		MetricsIntervalSec: getenvInt("WHISPER_METRICS_INTERVAL", 30),
	}
	if cfg.ReadTimeoutSec <= 0 {
		cfg.ReadTimeoutSec = 60
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.MetricsIntervalSec <= 0 {
		cfg.MetricsIntervalSec = 30
	}
	if cfg.Threads < 0 {
		cfg.Threads = 0
	}
	return cfg
}
