package webhooks

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"stxlend/native/lending"
)

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected aggregation %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("event")); !ok || v.AsString() != lending.EventTypeLoanLiquidated {
					t.Fatalf("%s: unexpected attributes %v", name, dp.Attributes.ToSlice())
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestDispatcherRecordsDeliveryMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if bytes.Contains(body, []byte(`"bad"`)) {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"),
		WithMeterProvider(provider),
		WithRetryPolicy(2, 5*time.Millisecond, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()

	dispatcher.Emit(liquidation("ok"))
	dispatcher.Emit(liquidation("bad"))
	waitFor(func() bool { return dispatcher.Failed() == 1 }, 2*time.Second)
	waitFor(func() bool { return counterTotal(t, reader, "lending.webhooks.delivered") == 1 }, 2*time.Second)

	if got := counterTotal(t, reader, "lending.webhooks.delivered"); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
	if got := counterTotal(t, reader, "lending.webhooks.failed"); got != 1 {
		t.Fatalf("expected one failed delivery, got %d", got)
	}
}

func TestDispatcherRecordsDroppedMetric(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithQueueSize(1), WithMeterProvider(provider))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()

	dispatcher.Emit(liquidation("1"))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatalf("first delivery never reached the endpoint")
	}
	dispatcher.Emit(liquidation("2"))
	dispatcher.Emit(liquidation("3"))
	if got := counterTotal(t, reader, "lending.webhooks.dropped"); got != 1 {
		t.Fatalf("expected one dropped event metric, got %d", got)
	}
}
