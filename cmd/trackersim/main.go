// trackersim publishes synthetic parcel telemetry to the broker, with
// occasional temperature excursions and shocks so the alert path can be
// exercised end to end without hardware.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type reading struct {
	ParcelID     string  `json:"parcel_id"`
	Timestamp    string  `json:"ts"`
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
	GForce       float64 `json:"g_force"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
}

type tracker struct {
	parcelID string
	temp     float64
	humidity float64
	lat, lon float64

	// excursionLeft counts remaining readings of a simulated cooling failure.
	excursionLeft int
}

func (t *tracker) next() reading {
	if t.excursionLeft > 0 {
		t.excursionLeft--
		t.temp += 0.4 + rand.Float64()*0.3
	} else {
		// Random walk pulled back toward the middle of the safe band.
		t.temp += (5.0-t.temp)*0.1 + (rand.Float64()-0.5)*0.6
		if rand.Float64() < 0.02 {
			t.excursionLeft = 10 + rand.Intn(20)
		}
	}

	t.humidity += (rand.Float64() - 0.5) * 2
	if t.humidity < 30 {
		t.humidity = 30
	}
	if t.humidity > 98 {
		t.humidity = 98
	}

	// Slow drift along a delivery route.
	t.lat += (rand.Float64() - 0.5) * 0.001
	t.lon += rand.Float64() * 0.002

	g := rand.Float64() * 1.5
	if rand.Float64() < 0.01 {
		g = 3.5 + rand.Float64()*4 // dropped parcel
	}

	return reading{
		ParcelID:     t.parcelID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		TemperatureC: t.temp,
		HumidityPct:  t.humidity,
		GForce:       g,
		Lat:          t.lat,
		Lon:          t.lon,
	}
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "mqtt broker url")
	topic := flag.String("topic", "greendelivery/trackers/telemetry", "telemetry topic")
	parcels := flag.Int("parcels", 5, "number of simulated parcels")
	interval := flag.Duration("interval", 5*time.Second, "publish interval per parcel")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	opts := pahomqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID("trackersim-" + uuid.NewString()[:8]).
		SetAutoReconnect(true)

	client := pahomqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Error("connect failed", "broker", *broker, "err", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	trackers := make([]*tracker, *parcels)
	for i := range trackers {
		trackers[i] = &tracker{
			parcelID: fmt.Sprintf("PARCEL-%04d", i+1),
			temp:     4 + rand.Float64()*2,
			humidity: 50 + rand.Float64()*20,
			lat:      40.4168 + rand.Float64()*0.1,
			lon:      -3.7038 + rand.Float64()*0.1,
		}
	}

	log.Info("simulating", "parcels", *parcels, "broker", *broker, "topic", *topic)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, tr := range trackers {
				payload, err := json.Marshal(tr.next())
				if err != nil {
					log.Error("marshal failed", "err", err)
					continue
				}
				client.Publish(*topic, 1, false, payload)
			}
		case <-sig:
			log.Info("stopping")
			return
		}
	}
}
