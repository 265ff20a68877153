package acquire

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/stream"
)

const tracerName = "github.com/n0madic/go-studioproxy/internal/acquire"

// State is the final state of an acquisition run.
type State string

const (
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Result summarizes one Run.
type Result struct {
	State    State
	Attempts []Attempt
	// Err is set for StateFailed.
	Err error
}

// Observer receives per-attempt measurements.
type Observer interface {
	ObserveAttempt(tier, outcome string, elapsed time.Duration)
}

// Orchestrator walks the tiers in rank order for one request at a time.
type Orchestrator struct {
	tiers    []Tier
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewOrchestrator ranks tiers in the order given. A nil observer is allowed.
func NewOrchestrator(tiers []Tier, observer Observer) *Orchestrator {
	return &Orchestrator{
		tiers:    tiers,
		observer: observer,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default().With("component", "acquire"),
	}
}

// SetTracerProvider replaces the global tracer provider for this orchestrator.
func (o *Orchestrator) SetTracerProvider(tp trace.TracerProvider) {
	o.tracer = tp.Tracer(tracerName)
}

// Tiers returns the ranked tiers.
func (o *Orchestrator) Tiers() []Tier { return o.tiers }

// Run drives the cascade for req while holding sess. Every run delivers
// exactly one terminal delta to emit unless the consumer is gone. Output is
// never restarted on another tier once any of it has been emitted.
func (o *Orchestrator) Run(ctx context.Context, sess *browser.Session, req *Request, emit Emit) Result {
	ctx, span := o.tracer.Start(ctx, "acquire.run", trace.WithAttributes(
		attribute.String("req_id", req.ID),
		attribute.Bool("stream", req.Stream),
		attribute.Int("tiers", len(o.tiers)),
	))
	defer span.End()

	log := o.logger.With("req_id", req.ID)
	var attempts []Attempt

	for _, tier := range o.tiers {
		if ctx.Err() != nil {
			return o.cancelled(span, log, attempts, emit)
		}

		name := tier.Name()
		var surfaced, terminated bool
		tracked := func(d stream.Delta) error {
			if d.IsOutput() {
				surfaced = true
			}
			if d.Kind == stream.KindTerminal {
				terminated = true
			}
			return emit(d)
		}

		attemptCtx, attemptSpan := o.tracer.Start(ctx, "acquire.tier", trace.WithAttributes(
			attribute.String("tier", name),
		))
		start := time.Now()
		err := tier.Attempt(attemptCtx, sess, req, tracked)
		elapsed := time.Since(start)

		a := Attempt{Tier: name, Duration: elapsed, Emitted: surfaced}
		switch {
		case err == nil:
			a.Outcome = OutcomeSuccess
		case ctx.Err() != nil:
			a.Outcome = OutcomeCancelled
		case surfaced:
			a.Outcome = OutcomeFailed
		default:
			a.Outcome = classify(name, err)
		}
		if err != nil {
			a.Error = err.Error()
			attemptSpan.RecordError(err)
			attemptSpan.SetStatus(codes.Error, a.Outcome.String())
		}
		attemptSpan.SetAttributes(attribute.String("outcome", a.Outcome.String()))
		attemptSpan.End()
		attempts = append(attempts, a)
		if o.observer != nil {
			o.observer.ObserveAttempt(name, a.Outcome.String(), elapsed)
		}

		switch a.Outcome {
		case OutcomeSuccess:
			if !terminated {
				_ = emit(stream.Terminal(stream.FinishStop))
			}
			log.Info("acquire.completed", "tier", name, "attempts", FormatAttempts(attempts), "elapsed", elapsed)
			span.SetAttributes(attribute.String("tier", name))
			return Result{State: StateCompleted, Attempts: attempts}
		case OutcomeCancelled:
			if terminated {
				return Result{State: StateCancelled, Attempts: attempts}
			}
			return o.cancelled(span, log, attempts, emit)
		case OutcomeFailed:
			// Partial output already reached the client; never restart on
			// another tier.
			log.Warn("acquire.tier.failed_after_output", "tier", name, "error", err)
			if !terminated {
				_ = emit(stream.TerminalError(err.Error()))
			}
			span.SetStatus(codes.Error, "failed after output")
			return Result{State: StateFailed, Attempts: attempts, Err: err}
		default:
			log.Info("acquire.tier.failed", "tier", name, "outcome", a.Outcome.String(), "error", err)
		}
	}

	if ctx.Err() != nil {
		return o.cancelled(span, log, attempts, emit)
	}
	failure := &AllTiersFailedError{Attempts: attempts}
	log.Error("acquire.exhausted", "attempts", FormatAttempts(attempts), "error", failure)
	span.SetStatus(codes.Error, "all tiers failed")
	_ = emit(stream.TerminalError(failure.Error()))
	return Result{State: StateFailed, Attempts: attempts, Err: failure}
}

func (o *Orchestrator) cancelled(span trace.Span, log *slog.Logger, attempts []Attempt, emit Emit) Result {
	log.Info("acquire.cancelled", "attempts", FormatAttempts(attempts))
	span.SetAttributes(attribute.Bool("cancelled", true))
	_ = emit(stream.Terminal(stream.FinishStop))
	return Result{State: StateCancelled, Attempts: attempts}
}

// classify maps an error to an outcome. Unclassified errors count as
// Unavailable so the cascade continues.
func classify(tier string, err error) Outcome {
	var te *TierError
	if errors.As(err, &te) {
		return te.Outcome
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimedOut
	}
	return pageError(tier, err).Outcome
}
