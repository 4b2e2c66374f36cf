package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-booking/booking"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestRecorder_Outcomes(t *testing.T) {
	r := New()

	r.CheckIn(booking.ModelPack, booking.RejectNone)
	r.CheckIn(booking.ModelPack, booking.RejectNone)
	r.CheckIn(booking.ModelPack, booking.RejectClassFull)
	r.Cancel(booking.ModelSubscription, booking.CancelLate)
	r.ClassDeleted(3)
	r.CreditsGranted(booking.ModelPack, 10)

	body := scrape(t, r)
	for _, line := range []string{
		`booking_checkins_total{model="pack",outcome="booked"} 2`,
		`booking_checkins_total{model="pack",outcome="class_full"} 1`,
		`booking_cancellations_total{model="subscription",outcome="late_cancelled"} 1`,
		`booking_classes_deleted_total 1`,
		`booking_class_delete_affected_students_total 3`,
		`booking_credits_granted_total{model="pack"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestRecorder_MiddlewareUsesRoutePattern(t *testing.T) {
	r := New()

	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/api/students/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", r.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/students/alice", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `route="/api/students/{id}"`), body)
	assert.False(t, strings.Contains(body, `route="/api/students/alice"`))
}
