package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusHTTPHandler(t *testing.T) {
	t.Run("basic_metrics_endpoint", func(t *testing.T) {
		SubmissionsTotal.Reset()
		S3OperationsTotal.Reset()

		SubmissionsTotal.WithLabelValues("relay-a", "success").Add(10)
		S3OperationsTotal.WithLabelValues("PUT", "success").Add(5)

		handler := promhttp.Handler()
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}

		bodyStr := string(body)

		if !strings.Contains(bodyStr, "mailhole_submissions_total") {
			t.Error("Expected mailhole_submissions_total metric in response")
		}

		if !strings.Contains(bodyStr, `mailhole_submissions_total{peer="relay-a",result="success"} 10`) {
			t.Error("Expected relay-a submissions total to be 10")
		}

		if !strings.Contains(bodyStr, `mailhole_s3_operations_total{operation="PUT",status="success"} 5`) {
			t.Error("Expected S3 PUT operations to be 5")
		}
	})

	t.Run("metrics_format", func(t *testing.T) {
		ForwardsTotal.Reset()
		ForwardsTotal.WithLabelValues("automatic", "success").Add(100)
		SpoolPendingArtifacts.Set(25)

		handler := promhttp.Handler()
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}

		bodyStr := string(body)

		if !strings.Contains(bodyStr, "# TYPE mailhole_forwards_total counter") {
			t.Error("Expected TYPE comment for forwards_total counter")
		}

		if !strings.Contains(bodyStr, "# TYPE mailhole_spool_pending_artifacts gauge") {
			t.Error("Expected TYPE comment for spool_pending_artifacts gauge")
		}
	})

	t.Run("histogram_metrics_format", func(t *testing.T) {
		RelayDeliveryDuration.Observe(0.1)
		RelayDeliveryDuration.Observe(1.0)

		handler := promhttp.Handler()
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}

		bodyStr := string(body)

		if !strings.Contains(bodyStr, "# TYPE mailhole_relay_delivery_duration_seconds histogram") {
			t.Error("Expected TYPE comment for relay_delivery_duration histogram")
		}

		if !strings.Contains(bodyStr, "mailhole_relay_delivery_duration_seconds_bucket{") {
			t.Error("Expected histogram bucket metrics")
		}
	})

	t.Run("gathered_counter_values", func(t *testing.T) {
		DedupSuppressionsTotal.Add(3)

		families, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			t.Fatalf("Failed to gather metrics: %v", err)
		}

		var found *dto.MetricFamily
		for _, mf := range families {
			if mf.GetName() == "mailhole_dedup_suppressions_total" {
				found = mf
				break
			}
		}
		if found == nil {
			t.Fatal("Expected mailhole_dedup_suppressions_total to be registered")
		}
		if found.GetType() != dto.MetricType_COUNTER {
			t.Errorf("Expected counter type, got %v", found.GetType())
		}
		if len(found.Metric) == 0 || found.Metric[0].GetCounter().GetValue() < 3 {
			t.Error("Expected dedup suppressions counter to be at least 3")
		}
	})
}
