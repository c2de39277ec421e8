package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestHousekeepers_ShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newCoreFixture(t, true)
	f.core.StartHousekeepers()

	// Give the housekeepers a moment to start before stopping them.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.core.Shutdown(ctx))
}

func TestShutdown_Idempotent(t *testing.T) {
	f := newCoreFixture(t, true)
	f.core.StartHousekeepers()

	ctx := context.Background()
	require.NoError(t, f.core.Shutdown(ctx))
	require.NoError(t, f.core.Shutdown(ctx))
}
