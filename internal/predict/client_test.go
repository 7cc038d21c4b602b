package predict

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"options-core/internal/signal"
)

func snapshot() signal.IndicatorSnapshot {
	return signal.IndicatorSnapshot{EMA: 24850.5, RSI: 61.2, PercentChange: 0.31, BufferLen: 50}
}

func TestAdviseSendsBreakoutContext(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/predict" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"tradingRecommendation":{"action":"BUY","confidence":0.82},"confidence":0.75}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	advice, err := c.Advise(context.Background(), "NIFTY", 24905, snapshot())
	if err != nil {
		t.Fatalf("Advise: %v", err)
	}
	if advice.Action != "BUY" || advice.Confidence != 0.82 {
		t.Errorf("advice = %+v, want BUY at 0.82", advice)
	}

	if got["indexName"] != "NIFTY" {
		t.Errorf("indexName = %v", got["indexName"])
	}
	if got["currentPrice"] != 24905.0 {
		t.Errorf("currentPrice = %v", got["currentPrice"])
	}
	ind, ok := got["indicators"].(map[string]any)
	if !ok {
		t.Fatalf("indicators missing from request body: %v", got)
	}
	if ind["ema"] != 24850.5 || ind["rsi"] != 61.2 || ind["momentum"] != 0.31 {
		t.Errorf("indicators = %v", ind)
	}
}

func TestAdviseFallsBackToOverallConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"tradingRecommendation":{"action":"HOLD"},"confidence":0.55}`))
	}))
	defer srv.Close()

	advice, err := NewClient(srv.URL, time.Second).Advise(context.Background(), "NIFTY", 24905, snapshot())
	if err != nil {
		t.Fatalf("Advise: %v", err)
	}
	if advice.Action != "HOLD" || advice.Confidence != 0.55 {
		t.Errorf("advice = %+v, want HOLD at 0.55", advice)
	}
}

func TestAdviseErrorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"model failure", http.StatusOK, `{"success":false}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			if _, err := NewClient(srv.URL, time.Second).Advise(context.Background(), "NIFTY", 24905, snapshot()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAdviseRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect and
		// cancels the request context; otherwise Close blocks forever.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := NewClient(srv.URL, time.Second).Advise(ctx, "NIFTY", 24905, snapshot()); err == nil {
		t.Fatal("expected context deadline error")
	}
}
