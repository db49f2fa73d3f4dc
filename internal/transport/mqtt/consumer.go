// Package mqtt subscribes to the tracker telemetry topic and feeds decoded
// readings into the ingestion pipeline.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"greendelivery/ingestion/internal/config"
	"greendelivery/ingestion/internal/domain"
	"greendelivery/ingestion/internal/metrics"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho's own unit
)

// Ingester is the pipeline boundary readings are posted into.
type Ingester interface {
	Ingest(ctx context.Context, raw *domain.RawReading) domain.IngestOutcome
}

type Consumer struct {
	cfg      *config.Config
	ingester Ingester
	log      *slog.Logger
	client   pahomqtt.Client
}

func NewConsumer(cfg *config.Config, ingester Ingester, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{cfg: cfg, ingester: ingester, log: log}
}

// Start connects to the broker and subscribes to the telemetry topic. The
// subscription is re-established from OnConnect, so it survives broker
// restarts and reconnects.
func (c *Consumer) Start(ctx context.Context) error {
	clientID := fmt.Sprintf("%s-%s", c.cfg.MQTTClientID, uuid.NewString()[:8])

	opts := pahomqtt.NewClientOptions().
		AddBroker(c.cfg.MQTTBroker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(client pahomqtt.Client) {
			c.log.Info("mqtt connected", "broker", c.cfg.MQTTBroker, "topic", c.cfg.MQTTTopic)
			token := client.Subscribe(c.cfg.MQTTTopic, byte(c.cfg.MQTTQoS), c.handleMessage(ctx))
			go func() {
				if token.Wait() && token.Error() != nil {
					c.log.Error("mqtt subscribe failed", "topic", c.cfg.MQTTTopic, "err", token.Error())
				}
			}()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.log.Warn("mqtt connection lost", "err", err)
		})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}
	return nil
}

func (c *Consumer) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiesce)
	}
}

func (c *Consumer) handleMessage(ctx context.Context) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		payload := msg.Payload()

		var raw domain.RawReading
		if err := json.Unmarshal(payload, &raw); err != nil {
			metrics.MQTTDecodeErrors.Add(1)
			c.log.Warn("mqtt message decode failed", "topic", msg.Topic(), "err", err)
			return
		}
		raw.Payload = payload

		ingestCtx, cancel := context.WithTimeout(ctx, c.cfg.IngestTimeout())
		defer cancel()

		out := c.ingester.Ingest(ingestCtx, &raw)
		switch out.Status {
		case domain.IngestRejected:
			c.log.Debug("mqtt reading rejected",
				"parcel_id", raw.ParcelID, "field", out.Reason.Field, "constraint", out.Reason.Constraint)
		case domain.IngestErrored:
			c.log.Error("mqtt reading failed", "parcel_id", raw.ParcelID, "err", out.Err)
		}
	}
}
