package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-meditation/internal/pacing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-meditation/session"

var (
	activeSessions atomic.Int64
	gaugeOnce      sync.Once
)

type metrics struct {
	segments    metric.Int64Counter
	failures    metric.Int64Counter
	transitions metric.Int64Counter
}

func newMetrics(logger *slog.Logger) *metrics {
	m := &metrics{}
	if err := m.init(otel.Meter(instrumentationName)); err != nil {
		logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

func (m *metrics) init(meter metric.Meter) error {
	var err error
	if m.segments, err = meter.Int64Counter("loqa.meditation.segments", metric.WithDescription("Segments entered")); err != nil {
		return err
	}
	if m.failures, err = meter.Int64Counter("loqa.meditation.utterance.failures", metric.WithDescription("Utterances the speaker failed to play")); err != nil {
		return err
	}
	if m.transitions, err = meter.Int64Counter("loqa.meditation.state.transitions", metric.WithDescription("Session state transitions")); err != nil {
		return err
	}
	gaugeOnce.Do(func() {
		var gauge metric.Int64ObservableGauge
		if gauge, err = meter.Int64ObservableGauge("loqa.meditation.sessions.active", metric.WithDescription("Sessions not yet completed")); err != nil {
			return
		}
		_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
			obs.ObserveInt64(gauge, activeSessions.Load())
			return nil
		}, gauge)
	})
	return err
}

func (m *metrics) segmentEntered(t pacing.SegmentType) {
	if m.segments != nil {
		m.segments.Add(context.Background(), 1, metric.WithAttributes(attribute.String("segment.type", t.String())))
	}
}

func (m *metrics) utteranceFailed() {
	if m.failures != nil {
		m.failures.Add(context.Background(), 1)
	}
}

func (m *metrics) stateChanged(to State) {
	if m.transitions != nil {
		m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", to.String())))
	}
}
