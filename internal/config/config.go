package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrMissingRequired is returned by Load when a required environment
// variable is unset, naming the missing variable like the original
// settings loader's ImproperlyConfigured exception did.
type ErrMissingRequired struct {
	Key string
}

func (e *ErrMissingRequired) Error() string {
	return fmt.Sprintf("set %s environment variable", e.Key)
}

// Config is the immutable set of settings a daemon builds once at startup
// and passes explicitly to its constructors — there is no process-wide
// settings singleton.
type Config struct {
	DeviceID    string
	AppURL      string
	APIKey      string
	DownloadDir string

	MediaBackend    string // "exec" or "dummy"
	MediaPlayerBin  string
	MediaPlayerArgs []string

	SchedulerRedisChannel string
	PlayerRedisChannel    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RequestTimeout      time.Duration
	ResponseTimeout     time.Duration
	CircuitThreshold    int
	CircuitMinAttempts  int
	CircuitWindow       time.Duration
	CircuitResetTimeout time.Duration

	LogLevel    string
	MetricsAddr string
}

// Load reads Config from the environment, applying the same defaults as
// the original settings module for everything it allowed to default, and
// failing closed on anything it required.
func Load() (Config, error) {
	required := func(key string) (string, error) {
		v := os.Getenv(key)
		if v == "" {
			return "", &ErrMissingRequired{Key: key}
		}
		return v, nil
	}

	deviceID, err := required("DEVICE_ID")
	if err != nil {
		return Config{}, err
	}
	appURL, err := required("APP_URL")
	if err != nil {
		return Config{}, err
	}
	apiKey, err := required("API_KEY")
	if err != nil {
		return Config{}, err
	}
	downloadDir, err := required("DOWNLOAD_DIR")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DeviceID:    deviceID,
		AppURL:      appURL,
		APIKey:      apiKey,
		DownloadDir: downloadDir,

		MediaBackend:    ParseString("MEDIA_BACKEND", "exec"),
		MediaPlayerBin:  ParseString("MEDIA_PLAYER_BIN", "mpv"),
		MediaPlayerArgs: strings.Fields(ParseString("MEDIA_PLAYER_ARGS", "--idle --no-video --really-quiet {uri}")),

		SchedulerRedisChannel: ParseString("SCHEDULER_REDIS_CHANNEL", "SCHEDULER_REDIS_CHANNEL"),
		PlayerRedisChannel:    ParseString("PLAYER_REDIS_CHANNEL", "PLAYER_REDIS_CHANNEL"),

		RedisAddr:     ParseString("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: ParseString("REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("REDIS_DB", 0),

		RequestTimeout:      ParseDuration("CONTROL_REQUEST_TIMEOUT", 5*time.Second),
		ResponseTimeout:     ParseDuration("CONTROL_RESPONSE_TIMEOUT", 10*time.Second),
		CircuitThreshold:    ParseInt("CONTROL_CIRCUIT_THRESHOLD", 3),
		CircuitMinAttempts:  ParseInt("CONTROL_CIRCUIT_MIN_ATTEMPTS", 5),
		CircuitWindow:       ParseDuration("CONTROL_CIRCUIT_WINDOW", 60*time.Second),
		CircuitResetTimeout: ParseDuration("CONTROL_CIRCUIT_RESET_TIMEOUT", 30*time.Second),

		LogLevel:    ParseString("LOG_LEVEL", "info"),
		MetricsAddr: ParseString("METRICS_ADDR", ""),
	}

	return cfg, nil
}
