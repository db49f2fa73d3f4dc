package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	MessagesReceived atomic.Int64
	Accepted         atomic.Int64
	Rejected         atomic.Int64
	TransientErrors  atomic.Int64

	DBWriteSuccess  atomic.Int64
	DBWriteFailures atomic.Int64
	DeadLettered    atomic.Int64

	AlertsOpened      atomic.Int64
	AlertsClosed      atomic.Int64
	AlertPathDegraded atomic.Int64

	StateChannelDrops atomic.Int64
	MQTTDecodeErrors  atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "ingestion_messages_received_total %d\n", MessagesReceived.Load())
	fmt.Fprintf(w, "ingestion_accepted_total %d\n", Accepted.Load())
	fmt.Fprintf(w, "ingestion_rejected_total %d\n", Rejected.Load())
	fmt.Fprintf(w, "ingestion_transient_errors_total %d\n", TransientErrors.Load())
	fmt.Fprintf(w, "ingestion_db_write_success_total %d\n", DBWriteSuccess.Load())
	fmt.Fprintf(w, "ingestion_db_write_failures_total %d\n", DBWriteFailures.Load())
	fmt.Fprintf(w, "ingestion_dead_lettered_total %d\n", DeadLettered.Load())
	fmt.Fprintf(w, "ingestion_alerts_opened_total %d\n", AlertsOpened.Load())
	fmt.Fprintf(w, "ingestion_alerts_closed_total %d\n", AlertsClosed.Load())
	fmt.Fprintf(w, "ingestion_alert_path_degraded_total %d\n", AlertPathDegraded.Load())
	fmt.Fprintf(w, "ingestion_state_channel_drops_total %d\n", StateChannelDrops.Load())
	fmt.Fprintf(w, "ingestion_mqtt_decode_errors_total %d\n", MQTTDecodeErrors.Load())
}
