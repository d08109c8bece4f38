package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitOTelDisabled(t *testing.T) {
	p, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, NopLogger())
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "ParentBased{root:AlwaysOnSampler"},
		{1, "ParentBased{root:AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		assert.Contains(t, Sampler(tt.ratio).Description(), tt.want)
	}
}

func TestProvidersShutdown(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "authz.Authorize")
	span.End()

	p := &OTelProviders{TracerProvider: tp}
	require.NoError(t, p.Shutdown(context.Background()))
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "authz.Authorize", recorder.Ended()[0].Name())
}
