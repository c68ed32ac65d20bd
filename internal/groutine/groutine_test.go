package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesContextAndSignalsDone(t *testing.T) {
	names := make(chan string, 1)

	//nolint:staticcheck // nil parent context is part of the contract
	done := Go(nil, "worker-42", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "done channel MUST close when fn returns")
	}
	assert.Equal(t, "worker-42", <-names)
}

func TestGetName_Unnamed(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	//nolint:staticcheck // nil context is handled
	assert.Equal(t, "", GetName(nil))
}
