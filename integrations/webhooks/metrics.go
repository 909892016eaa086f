package webhooks

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "stxlend/webhooks"

type deliveryMetrics struct {
	delivered metric.Int64Counter
	failed    metric.Int64Counter
	dropped   metric.Int64Counter
}

func newDeliveryMetrics(provider metric.MeterProvider) *deliveryMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	return &deliveryMetrics{
		delivered: int64Counter(meter, "lending.webhooks.delivered", "Webhook deliveries acknowledged by the endpoint."),
		failed:    int64Counter(meter, "lending.webhooks.failed", "Webhook deliveries abandoned after the last retry."),
		dropped:   int64Counter(meter, "lending.webhooks.dropped", "Pool events discarded because the webhook queue was full."),
	}
}

func int64Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter(name)
	}
	return counter
}

func (m *deliveryMetrics) add(counter metric.Int64Counter, eventType string) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", eventType)))
}
