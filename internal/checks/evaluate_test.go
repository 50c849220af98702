package checks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateStopsAtCheckBoundaryAfterCancel(t *testing.T) {
	p, err := Compile("task_test.md", `
check "first" {
  score = 1
}

check "second" {
  score = 1
}
`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := p.evaluate(ctx, Input{Workspace: t.TempDir()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
}

func TestEvaluateCanceledReturnsContextError(t *testing.T) {
	p, err := Compile("task_test.md", `
check "first" {
  score = 1
}
`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Evaluate(ctx, Input{Workspace: t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}
