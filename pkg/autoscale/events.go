package autoscale

import (
	"context"
	"time"

	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/logger"
)

const eventPublishTimeout = time.Second

// EventPublisher forwards scale decisions to the events stream.
type EventPublisher struct {
	Bus bus.Publisher
}

func (p EventPublisher) ObserveScale(ctx context.Context, event flow.ScaleEvent) {
	pubCtx, cancel := context.WithTimeout(ctx, eventPublishTimeout)
	defer cancel()
	if _, err := p.Bus.PublishJSON(pubCtx, bus.SubjectEventScale, event, nil); err != nil {
		logger.Error("scale event publish failed", err, "pool", event.Pool)
	}
}
