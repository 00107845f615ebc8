package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "publish")
	assert.NotNil(t, ctx)
	done(nil)
	done(errors.New("double close is harmless"))

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestEnabledProviderTracks(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, done := p.TrackOperation(context.Background(), "ingest")
	require.NotNil(t, ctx)
	done(errors.New("rejected"))

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
}
