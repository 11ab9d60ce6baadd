// Package config reads runtime settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type NotifyCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	Queue   int
}

// InvalidationCfg configures the consumer of upstream layer change events.
// It shares the notifier's broker list.
type InvalidationCfg struct {
	Enabled bool
	Topic   string
	GroupID string
}

type Config struct {
	Addr             string
	LogLevel         string
	LogConsole       bool
	LogSampleN       int
	ProviderURL      string
	ProviderTimeout  time.Duration
	RedisAddr        string
	ProviderCacheTTL time.Duration
	CacheOpTimeout   time.Duration
	ViewportDebounce time.Duration
	ViewportEpsilon  float64
	FetchCacheSize   int
	H3ResMin         int
	H3ResMax         int
	MetricsEnabled   bool
	Notify           NotifyCfg
	Invalidation     InvalidationCfg
}

func FromEnv() Config {
	minRes := getint("H3_RES_MIN", 5)
	maxRes := getint("H3_RES_MAX", 10)
	if minRes < 0 {
		minRes = 0
	}
	if maxRes > 15 {
		maxRes = 15
	}
	if minRes > maxRes {
		minRes, maxRes = 5, 10
	}

	eps := getfloat("VIEWPORT_EPSILON", 1e-4)
	if eps < 0 {
		eps = 0
	}
	size := getint("FETCH_CACHE_SIZE", 64)
	if size <= 0 {
		size = 64
	}

	return Config{
		Addr:             getenv("ADDR", ":8090"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogConsole:       getbool("LOG_CONSOLE", false),
		LogSampleN:       getint("LOG_SAMPLE_N", 0),
		ProviderURL:      strings.TrimRight(getenv("PROVIDER_URL", "http://localhost:8000/api"), "/"),
		ProviderTimeout:  getduration("PROVIDER_TIMEOUT", 10*time.Second),
		RedisAddr:        getenv("REDIS_ADDR", ""),
		ProviderCacheTTL: getduration("PROVIDER_CACHE_TTL", 60*time.Second),
		CacheOpTimeout:   getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		ViewportDebounce: getduration("VIEWPORT_DEBOUNCE", 300*time.Millisecond),
		ViewportEpsilon:  eps,
		FetchCacheSize:   size,
		H3ResMin:         minRes,
		H3ResMax:         maxRes,
		MetricsEnabled:   getbool("METRICS_ENABLED", true),
		Notify: NotifyCfg{
			Enabled: getbool("NOTIFY_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "map-events"),
			Queue:   getint("NOTIFY_QUEUE", 256),
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_INVALIDATION_TOPIC", "layer-changes"),
			GroupID: getenv("KAFKA_GROUP_ID", "mapsync"),
		},
	}
}

// BrokerList splits the comma separated broker list.
func (n NotifyCfg) BrokerList() []string {
	var out []string
	for b := range strings.SplitSeq(n.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
