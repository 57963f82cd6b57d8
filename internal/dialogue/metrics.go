package dialogue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mgoltzsche/realtime-dialogue/internal/frame"
)

type metrics struct {
	framesSent        metric.Int64Counter
	framesReceived    metric.Int64Counter
	droppedEchoChunks metric.Int64Counter
	bargeIns          metric.Int64Counter
	reconnects        metric.Int64Counter
	failures          metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("github.com/mgoltzsche/realtime-dialogue/dialogue")
	m := &metrics{}

	for _, c := range []struct {
		counter     *metric.Int64Counter
		name        string
		description string
	}{
		{&m.framesSent, "dialogue.frames.sent", "Frames sent to the dialogue service"},
		{&m.framesReceived, "dialogue.frames.received", "Frames received from the dialogue service"},
		{&m.droppedEchoChunks, "dialogue.capture.dropped_chunks", "Captured audio chunks not forwarded while the assistant was speaking"},
		{&m.bargeIns, "dialogue.barge_ins", "Assistant speech interrupted by the user"},
		{&m.reconnects, "dialogue.reconnects", "Connection attempts retried"},
		{&m.failures, "dialogue.failures", "Conversations terminated by a failure"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.counter = counter
	}

	return m, nil
}

func (m *metrics) frameSent(ctx context.Context, f frame.Frame) {
	m.framesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("event", f.Event.String())))
}

func (m *metrics) frameReceived(ctx context.Context, f frame.Frame) {
	m.framesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("event", f.Event.String())))
}
