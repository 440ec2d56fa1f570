package daemon

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lydakis/omnibridge/internal/config"
	"github.com/lydakis/omnibridge/internal/serverpool"
)

func TestMetricsHandlerServesPoolAndRuntimeMetrics(t *testing.T) {
	pool := serverpool.New(&config.Config{})
	srv := httptest.NewServer(newMetricsHandler(pool.Collector()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics body missing go_goroutines:\n%s", body)
	}

	if resp, err := http.Get(srv.URL + "/other"); err == nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET /other status = %d, want 404", resp.StatusCode)
		}
	}
}
