package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ijave/internal/ent"
)

var (
	AttrProjectID = attribute.Key("ijave.project.id")
	AttrPromptID  = attribute.Key("ijave.prompt.id")
	AttrStep      = attribute.Key("ijave.step")
	AttrSteps     = attribute.Key("ijave.steps")
	AttrWidth     = attribute.Key("ijave.image.width")
	AttrHeight    = attribute.Key("ijave.image.height")
	AttrTopic     = attribute.Key("ijave.bus.topic")
	AttrRoute     = attribute.Key("ijave.http.route")
	AttrStatus    = attribute.Key("ijave.http.status")
)

const (
	SpanRequest  = "http.request"
	SpanStep     = "generate.step"
	SpanExchange = "engine.exchange"
)

// StartRequestSpan opens the server span of one HTTP request. The route is
// only known once chi has matched it, see EndRequest.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanRequest, trace.WithSpanKind(trace.SpanKindServer))
}

// EndRequest tags span with the matched route and status and ends it. 5xx
// answers mark the span as failed.
func EndRequest(span trace.Span, route string, status int) {
	span.SetAttributes(AttrRoute.String(route), AttrStatus.Int(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}

// StartStepSpan opens the span around one generation step of prompt.
func StartStepSpan(ctx context.Context, tracer trace.Tracer, prompt ent.Prompt, width, height int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanStep,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrProjectID.String(prompt.Project.String()),
			AttrPromptID.String(prompt.ID.String()),
			AttrWidth.Int(width),
			AttrHeight.Int(height),
		),
	)
}

// StepReached records where the job stood when the step started.
func StepReached(span trace.Span, cached ent.GenerationCache) {
	span.SetAttributes(AttrStep.Int(cached.Step), AttrSteps.Int(cached.Steps))
}

// StartExchangeSpan opens the client span of one round trip to the engine.
func StartExchangeSpan(ctx context.Context, tracer trace.Tracer, prompt ent.PromptID, step int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanExchange,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrPromptID.String(prompt.String()), AttrStep.Int(step)),
	)
}

// Fail records err on span.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
