package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorsExposed(t *testing.T) {
	MustRegister()
	MustRegister()

	BatchesProcessed.WithLabelValues("ok").Inc()
	Anomalies.WithLabelValues("ranked-contamination").Add(3)
	TrackedFunctions.Set(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		`perfwatch_batches_processed_total{status="ok"}`,
		`perfwatch_anomalies_total{strategy="ranked-contamination"}`,
		"perfwatch_tracked_functions 2",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output is missing %s", name)
		}
	}
}
