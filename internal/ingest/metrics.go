package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments for the ingestion path.
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	ValidationDrops *prometheus.CounterVec
	Reconnects      prometheus.Counter
	CursorFlushes   prometheus.Counter
	BackfillRecords *prometheus.CounterVec
}

// NewMetrics creates and registers the ingestion metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atdata_ingest_events_processed_total",
			Help: "Firehose events routed to a collection handler.",
		}, []string{"collection", "operation"}),
		ValidationDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atdata_ingest_validation_drops_total",
			Help: "Inbound records dropped by validation.",
		}, []string{"collection", "reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atdata_ingest_firehose_reconnects_total",
			Help: "Firehose connection attempts after a disconnect.",
		}),
		CursorFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atdata_ingest_cursor_flushes_total",
			Help: "Cursor persistence writes.",
		}),
		BackfillRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atdata_ingest_backfill_records_total",
			Help: "Records fed through the processor by backfill.",
		}, []string{"collection"}),
	}
	reg.MustRegister(m.EventsProcessed, m.ValidationDrops, m.Reconnects, m.CursorFlushes, m.BackfillRecords)
	return m
}
