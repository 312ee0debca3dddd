package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/repository"
)

type declaringProcessor struct {
	Func
	outputs []string
}

func (p declaringProcessor) OutputTypes() []string { return p.outputs }

func succeed(context.Context, *model.Activity) (model.Outcome, error) {
	return model.Success(), nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, r.Register(Func{Name: "ShellCommand", Fn: succeed}))
	require.NoError(t, r.Register(Func{Name: "HttpRequest", Fn: succeed}))

	err := r.Register(Func{Name: "ShellCommand", Fn: succeed})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	err = r.Register(Func{Name: "bad", Fn: succeed})
	assert.ErrorIs(t, err, repository.ErrInvalidType)

	err = r.Register(declaringProcessor{Func: Func{Name: "Declaring", Fn: succeed}, outputs: []string{"x"}})
	assert.ErrorIs(t, err, repository.ErrInvalidType)

	p, err := r.Lookup("ShellCommand")
	require.NoError(t, err)
	assert.Equal(t, "ShellCommand", p.Type())

	_, err = r.Lookup("Unknown")
	assert.ErrorIs(t, err, ErrUnregisteredType)

	assert.Equal(t, []string{"HttpRequest", "ShellCommand"}, r.Types())
	assert.True(t, r.Has("HttpRequest"))
	assert.False(t, r.Has("Unknown"))
}

func TestRun(t *testing.T) {
	ctx := WithLogger(context.Background(), zaptest.NewLogger(t))
	a := &model.Activity{ID: "a", Type: "ShellCommand"}

	t.Run("Outcome", func(t *testing.T) {
		out := Run(ctx, Func{Name: "ShellCommand", Fn: func(context.Context, *model.Activity) (model.Outcome, error) {
			return model.Decline("busy", time.Minute), nil
		}}, a)
		assert.Equal(t, model.OutcomeDecline, out.Kind)
	})

	t.Run("ZeroOutcomeIsSuccess", func(t *testing.T) {
		out := Run(ctx, Func{Name: "ShellCommand", Fn: func(context.Context, *model.Activity) (model.Outcome, error) {
			return model.Outcome{}, nil
		}}, a)
		assert.Equal(t, model.OutcomeSuccess, out.Kind)
	})

	t.Run("Error", func(t *testing.T) {
		out := Run(ctx, Func{Name: "ShellCommand", Fn: func(context.Context, *model.Activity) (model.Outcome, error) {
			return model.Success(), errors.New("boom")
		}}, a)
		assert.Equal(t, model.OutcomeFailure, out.Kind)
		assert.Equal(t, "boom", out.Reason)
	})

	t.Run("Panic", func(t *testing.T) {
		out := Run(ctx, Func{Name: "ShellCommand", Fn: func(context.Context, *model.Activity) (model.Outcome, error) {
			panic("nil map")
		}}, a)
		assert.Equal(t, model.OutcomeFailure, out.Kind)
		assert.Contains(t, out.Reason, "nil map")
	})
}

func TestValidateChain(t *testing.T) {
	plain := Func{Name: "ShellCommand", Fn: succeed}
	declaring := declaringProcessor{Func: Func{Name: "Downloader", Fn: succeed}, outputs: []string{"ShellCommand"}}

	specs := make([]model.Spec, 11)
	for i := range specs {
		specs[i] = model.Spec{Type: "ShellCommand"}
	}

	assert.NoError(t, ValidateChain(plain, specs[:10], 0))
	assert.ErrorIs(t, ValidateChain(plain, specs, 0), ErrCreationLimit)
	assert.NoError(t, ValidateChain(plain, specs, 20))
	assert.ErrorIs(t, ValidateChain(plain, specs[:3], 2), ErrCreationLimit)

	assert.NoError(t, ValidateChain(declaring, specs[:2], 0))
	err := ValidateChain(declaring, []model.Spec{{Type: "HttpRequest"}}, 0)
	assert.ErrorIs(t, err, ErrUndeclaredOutput)
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	assert.NotNil(t, Logger(ctx))
	assert.Empty(t, WorkerID(ctx))

	logger := zap.NewNop()
	ctx = WithWorkerID(WithLogger(ctx, logger), "worker-1")
	assert.Same(t, logger, Logger(ctx))
	assert.Equal(t, "worker-1", WorkerID(ctx))
}
