package podcast

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-podcast/podcast"

type instruments struct {
	attempts metric.Int64Counter
	rounds   metric.Int64Counter
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	attempts, err := meter.Int64Counter("podcast.attempts",
		metric.WithDescription("Podcast synthesis attempts by outcome"))
	if err != nil {
		return nil, err
	}
	rounds, err := meter.Int64Counter("podcast.rounds.committed",
		metric.WithDescription("Rounds committed to job output"))
	if err != nil {
		return nil, err
	}
	jobs, err := meter.Int64Counter("podcast.jobs",
		metric.WithDescription("Podcast jobs by result"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("podcast.job.duration",
		metric.WithDescription("End-to-end podcast job duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &instruments{attempts: attempts, rounds: rounds, jobs: jobs, duration: duration}, nil
}

func (i *instruments) recordAttempt(ctx context.Context, out attemptOutcome) {
	if i == nil {
		return
	}
	i.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", out.kind.String())))
	if out.rounds > 0 {
		i.rounds.Add(ctx, int64(out.rounds))
	}
}

func (i *instruments) recordJob(ctx context.Context, result string, started time.Time) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	i.jobs.Add(ctx, 1, attrs)
	i.duration.Record(ctx, time.Since(started).Seconds(), attrs)
}
