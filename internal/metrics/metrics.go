package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 予約申請の結果ラベル
const (
	ResultBooked   = "booked"
	ResultConflict = "conflict"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics は貸出予約サービスのPrometheusメトリクスです
type Metrics struct {
	BookingsSubmitted *prometheus.CounterVec
	BookingsCreated   prometheus.Counter
	BookingConflicts  prometheus.Counter
	StatusChanges     *prometheus.CounterVec
	RemindersSent     prometheus.Counter
	NotifyFailures    *prometheus.CounterVec
	SubmitDuration    prometheus.Histogram
}

// New は reg にメトリクスを登録します
// テストでは prometheus.NewRegistry() を渡して重複登録を避けます
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BookingsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lending_booking_batches_submitted_total",
			Help: "Total number of submitted booking batches by result",
		}, []string{"result"}),

		BookingsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "lending_bookings_created_total",
			Help: "Total number of booking rows created",
		}),

		BookingConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lending_booking_conflicts_total",
			Help: "Total number of booking batches rejected because of an overlap",
		}),

		StatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lending_booking_status_changes_total",
			Help: "Total number of booking status transitions by target status",
		}, []string{"status"}),

		RemindersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "lending_return_reminders_sent_total",
			Help: "Total number of return reminder notifications sent",
		}),

		NotifyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lending_notify_failures_total",
			Help: "Total number of failed notifications by kind",
		}, []string{"kind"}),

		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lending_booking_submit_duration_seconds",
			Help:    "Time spent submitting a booking batch",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// NewNop は登録先を持たないメトリクスを返します
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveSubmit は申請結果と処理時間を記録します
func (m *Metrics) ObserveSubmit(result string, created int, started time.Time) {
	m.BookingsSubmitted.WithLabelValues(result).Inc()
	if result == ResultConflict {
		m.BookingConflicts.Inc()
	}
	m.BookingsCreated.Add(float64(created))
	m.SubmitDuration.Observe(time.Since(started).Seconds())
}
