package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	HTTPPort string

	// Postgres
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MQTT — empty broker disables the MQTT transport
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTQoS      int

	// Pipeline
	Shards              int
	ShardQueueSize      int
	StateChannelSize    int
	IngestTimeoutMS     int
	WriteRetryAttempts  int
	WriteRetryInitialMS int
	PendingAlertCap     int

	// Rule thresholds. The numeric defaults are illustrative, not
	// contractual: every deployment is expected to set its own.
	TempRangeMinC              float64 // lower bound of the safe temperature band
	TempRangeMaxC              float64 // upper bound of the safe temperature band
	TempWarnDeltaC             float64 // deviation at which an excursion is at least WARNING
	TempCritDeltaC             float64 // deviation at which an excursion is CRITICAL
	TempCritSustainSeconds     int     // sustained excursion duration that forces CRITICAL
	JoltThresholdG             float64 // single-sample g-force that opens a shock alert
	JoltCritG                  float64 // g-force at which a shock alert is CRITICAL
	HumidityMaxPct             float64 // humidity ceiling for humidity_excursion
	GapSeconds                 int     // server-clock silence since last delivery that opens a connectivity_gap
	AlertDwellSeconds          int     // how long a condition must stay clear before close
	AlertCooldownSeconds       int     // reopen window after close
	FutureSkewToleranceSeconds int     // max tolerated future timestamp skew
	WindowSeconds              int     // rolling window span kept per parcel
	WindowMaxReadings          int     // hard cap on readings kept per parcel

	// Geofence — radius 0 disables the rule
	GeofenceLat      float64
	GeofenceLon      float64
	GeofenceRadiusKm float64

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string
}

func Load() *Config {
	return &Config{
		HTTPPort:   getEnv("HTTP_PORT", "8001"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "gd_user"),
		DBPassword: getEnv("DB_PASSWORD", "gd_pass"),
		DBName:     getEnv("DB_NAME", "greendelivery"),
		DBMaxConns: int32(getEnvInt("DB_MAX_CONNS", 15)),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "greendelivery/trackers/telemetry"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "gd-ingestd"),
		MQTTQoS:      getEnvInt("MQTT_QOS", 1),

		Shards:              getEnvInt("PIPELINE_SHARDS", 8),
		ShardQueueSize:      getEnvInt("SHARD_QUEUE_SIZE", 1024),
		StateChannelSize:    getEnvInt("STATE_CHANNEL_SIZE", 10000),
		IngestTimeoutMS:     getEnvInt("INGEST_TIMEOUT_MS", 5000),
		WriteRetryAttempts:  getEnvInt("WRITE_RETRY_ATTEMPTS", 3),
		WriteRetryInitialMS: getEnvInt("WRITE_RETRY_INITIAL_MS", 100),
		PendingAlertCap:     getEnvInt("PENDING_ALERT_CAP", 32),

		TempRangeMinC:              getEnvFloat("TEMP_RANGE_MIN_C", 2.0),
		TempRangeMaxC:              getEnvFloat("TEMP_RANGE_MAX_C", 8.0),
		TempWarnDeltaC:             getEnvFloat("TEMP_WARN_DELTA_C", 2.0),
		TempCritDeltaC:             getEnvFloat("TEMP_CRIT_DELTA_C", 5.0),
		TempCritSustainSeconds:     getEnvInt("TEMP_CRIT_SUSTAIN_SECONDS", 1800),
		JoltThresholdG:             getEnvFloat("JOLT_THRESHOLD_G", 3.0),
		JoltCritG:                  getEnvFloat("JOLT_CRIT_G", 6.0),
		HumidityMaxPct:             getEnvFloat("HUMIDITY_MAX_PCT", 90.0),
		GapSeconds:                 getEnvInt("GAP_SECONDS", 300),
		AlertDwellSeconds:          getEnvInt("ALERT_DWELL_SECONDS", 120),
		AlertCooldownSeconds:       getEnvInt("ALERT_COOLDOWN_SECONDS", 300),
		FutureSkewToleranceSeconds: getEnvInt("FUTURE_SKEW_TOLERANCE_SECONDS", 86400),
		WindowSeconds:              getEnvInt("WINDOW_SECONDS", 3600),
		WindowMaxReadings:          getEnvInt("WINDOW_MAX_READINGS", 120),

		GeofenceLat:      getEnvFloat("GEOFENCE_LAT", 0),
		GeofenceLon:      getEnvFloat("GEOFENCE_LON", 0),
		GeofenceRadiusKm: getEnvFloat("GEOFENCE_RADIUS_KM", 0),

		AuthCacheTTLSeconds: getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:        splitKeys(getEnv("VALID_API_KEYS", "")),
	}
}

func (c *Config) Gap() time.Duration { return time.Duration(c.GapSeconds) * time.Second }

func (c *Config) AlertDwell() time.Duration {
	return time.Duration(c.AlertDwellSeconds) * time.Second
}

func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownSeconds) * time.Second
}

func (c *Config) FutureSkewTolerance() time.Duration {
	return time.Duration(c.FutureSkewToleranceSeconds) * time.Second
}

func (c *Config) TempCritSustain() time.Duration {
	return time.Duration(c.TempCritSustainSeconds) * time.Second
}

func (c *Config) WindowSpan() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c *Config) IngestTimeout() time.Duration {
	return time.Duration(c.IngestTimeoutMS) * time.Millisecond
}

func (c *Config) WriteRetryInitial() time.Duration {
	return time.Duration(c.WriteRetryInitialMS) * time.Millisecond
}

// splitKeys tolerates whitespace around the commas and stray separators;
// an api key with an invisible leading space would be impossible to debug.
func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
