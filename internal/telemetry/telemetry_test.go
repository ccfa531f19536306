package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduassist/eduassist/internal/telemetry"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{ServiceName: "eduassist"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewHTTPMetrics(t *testing.T) {
	m, err := telemetry.NewHTTPMetrics()
	require.NoError(t, err)
	require.NotNil(t, m.Requests)
	require.NotNil(t, m.Duration)

	// Recording on the no-op provider must not panic.
	m.Requests.Add(context.Background(), 1)
	m.Duration.Record(context.Background(), 12)
}
