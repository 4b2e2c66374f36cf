/*
Package metrics exposes Prometheus instrumentation for the booking service.

COLLECTORS:
  booking_checkins_total{model,outcome}        outcome is "booked" or a rejection code
  booking_cancellations_total{model,outcome}   cancelled | late_cancelled | confirmation_required | rejected
  booking_classes_deleted_total
  booking_class_delete_affected_students_total
  booking_credits_granted_total{model}
  http_request_duration_seconds{method,route,status}
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/studio-booking/booking"
)

// Recorder implements booking.Recorder on a private registry.
type Recorder struct {
	registry *prometheus.Registry
	handler  http.Handler

	checkIns        *prometheus.CounterVec
	cancellations   *prometheus.CounterVec
	classesDeleted  prometheus.Counter
	deletedAffected prometheus.Counter
	creditsGranted  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New() *Recorder {
	registry := prometheus.NewRegistry()

	checkIns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_checkins_total",
		Help: "Check-in attempts by credit model and outcome",
	}, []string{"model", "outcome"})

	cancellations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_cancellations_total",
		Help: "Cancellation attempts by credit model and outcome",
	}, []string{"model", "outcome"})

	classesDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booking_classes_deleted_total",
		Help: "Classes removed by admins",
	})

	deletedAffected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booking_class_delete_affected_students_total",
		Help: "Students whose booking was removed by a class deletion",
	})

	creditsGranted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_credits_granted_total",
		Help: "Credit batches and extra-class grants added",
	}, []string{"model"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	registry.MustRegister(
		checkIns, cancellations, classesDeleted, deletedAffected, creditsGranted, requestDuration,
		collectors.NewGoCollector(),
	)

	return &Recorder{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		checkIns:        checkIns,
		cancellations:   cancellations,
		classesDeleted:  classesDeleted,
		deletedAffected: deletedAffected,
		creditsGranted:  creditsGranted,
		requestDuration: requestDuration,
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// =============================================================================
// booking.Recorder
// =============================================================================

func (r *Recorder) CheckIn(model booking.CreditModel, rejection booking.Rejection) {
	outcome := "booked"
	if rejection != booking.RejectNone {
		outcome = string(rejection)
	}
	r.checkIns.WithLabelValues(string(model), outcome).Inc()
}

func (r *Recorder) Cancel(model booking.CreditModel, outcome booking.CancelOutcome) {
	r.cancellations.WithLabelValues(string(model), string(outcome)).Inc()
}

func (r *Recorder) ClassDeleted(affected int) {
	r.classesDeleted.Inc()
	r.deletedAffected.Add(float64(affected))
}

func (r *Recorder) CreditsGranted(model booking.CreditModel, _ int) {
	r.creditsGranted.WithLabelValues(string(model)).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware observes request duration labelled by the matched chi route
// pattern, so path parameters do not explode label cardinality.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.requestDuration.
			WithLabelValues(req.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}

var _ booking.Recorder = (*Recorder)(nil)
