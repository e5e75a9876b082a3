package catalog

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	operations metric.Int64Counter
	size       metric.Int64ObservableGauge
}

func newMetrics(c *Cache) (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-voices/catalog")
	ops, err := meter.Int64Counter("loqa.voices.operations",
		metric.WithDescription("Catalog loads and updates by outcome"))
	if err != nil {
		return nil, err
	}
	size, err := meter.Int64ObservableGauge("loqa.voices.catalog.size",
		metric.WithDescription("Voices in the current catalog"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(size, int64(c.Catalog().Len()))
		return nil
	}, size)
	if err != nil {
		return nil, err
	}
	return &metrics{operations: ops, size: size}, nil
}

func (m *metrics) recordOperation(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
