package emergency

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestService_CreatesSpans(t *testing.T) {
	// Not parallel: installs the global OTel tracer provider. The package
	// tracer delegates to the first provider installed, so it is not restored.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	otel.SetTracerProvider(tp)

	f := newFixture(t)
	f.addContact("c1", true)

	a, err := f.svc.Trigger(context.Background(), "u1", &TriggerRequest{Method: TriggerVoice})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := f.svc.Update(context.Background(), "u1", a.ID, &UpdateRequest{Status: StatusResolved}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := f.svc.Update(context.Background(), "u1", a.ID, &UpdateRequest{Status: StatusCancelled}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Update error = %v, want ErrInvalidTransition", err)
	}

	var trigger, updates []tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		switch s.Name {
		case "emergency.Trigger":
			trigger = append(trigger, s)
		case "emergency.Update":
			updates = append(updates, s)
		}
	}

	if len(trigger) != 1 {
		t.Fatalf("emergency.Trigger spans = %d, want 1", len(trigger))
	}
	attrs := make(map[string]string)
	for _, kv := range trigger[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["sosd.trigger_method"] != "voice" {
		t.Errorf("sosd.trigger_method = %q, want voice", attrs["sosd.trigger_method"])
	}
	if attrs["sosd.alert.id"] != a.ID {
		t.Errorf("sosd.alert.id = %q, want %q", attrs["sosd.alert.id"], a.ID)
	}

	if len(updates) != 2 {
		t.Fatalf("emergency.Update spans = %d, want 2", len(updates))
	}
	if updates[0].Status.Code == codes.Error {
		t.Errorf("first update span status = %v, want unset", updates[0].Status)
	}
	if updates[1].Status.Code != codes.Error {
		t.Errorf("rejected update span status = %v, want error", updates[1].Status)
	}
}
