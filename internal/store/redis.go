package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"greendelivery/ingestion/internal/config"
	"greendelivery/ingestion/internal/domain"
)

// Key layout:
//
//	parcel:{id}:state      hash     latest reading per parcel (TTL'd)
//	parcels:geo            geo set  last known position per parcel
//	parcels:telemetry      channel  live telemetry feed for dashboards
//	parcels:alerts         channel  alert transitions for the operator boundary
//	tracker:auth:{key}     string   api key → tracker id
//	ingest:deadletter      list     records that exhausted their retries
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// stateTTL bounds how long a parcel shows as "live" after its last reading.
const stateTTL = 10 * time.Minute

// UpdateParcelState refreshes the live view of one parcel: latest reading
// hash, geo position, and a publish for dashboard subscribers. Best effort;
// the durable copy is in Postgres.
func (r *RedisStore) UpdateParcelState(ctx context.Context, reading *domain.TelemetryReading) error {
	state := map[string]any{
		"parcel_id":   reading.ParcelID,
		"timestamp":   reading.Timestamp.Unix(),
		"received_at": reading.ReceivedAt.Unix(),
		"late":        reading.Late,
	}
	if reading.TemperatureC != nil {
		state["temperature_c"] = *reading.TemperatureC
	}
	if reading.HumidityPct != nil {
		state["humidity_pct"] = *reading.HumidityPct
	}
	if reading.GForce != nil {
		state["g_force"] = *reading.GForce
	}
	if reading.HasPosition() {
		state["lat"] = *reading.Lat
		state["lon"] = *reading.Lon
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal parcel state: %w", err)
	}

	stateKey := fmt.Sprintf("parcel:%s:state", reading.ParcelID)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, stateKey, state)
	pipe.Expire(ctx, stateKey, stateTTL)
	if reading.HasPosition() {
		pipe.GeoAdd(ctx, "parcels:geo", &redis.GeoLocation{
			Name:      reading.ParcelID,
			Longitude: *reading.Lon,
			Latitude:  *reading.Lat,
		})
	}
	pipe.Publish(ctx, "parcels:telemetry", payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// PublishAlert pushes an alert transition to the operator channel.
// Delivery is at-least-once; consumers dedup by alert id.
func (r *RedisStore) PublishAlert(ctx context.Context, tr *domain.AlertTransition) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal alert transition: %w", err)
	}
	return r.client.Publish(ctx, "parcels:alerts", payload).Err()
}

func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("tracker:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// deadLetterCap keeps the dead-letter list from growing without bound;
// oldest entries are trimmed first.
const deadLetterCap = 10000

// PushDeadLetter stores a record that exhausted its write retries, for
// later manual inspection and replay.
func (r *RedisStore) PushDeadLetter(ctx context.Context, payload []byte) error {
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, "ingest:deadletter", payload)
	pipe.LTrim(ctx, "ingest:deadletter", -deadLetterCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter push failed: %w", err)
	}
	return nil
}
