package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/docpipe/job"
)

func TestErrorRetryable(t *testing.T) {
	cases := []struct {
		kind      FailureKind
		retryable bool
	}{
		{FailureTransient, true},
		{FailureTimeout, true},
		{FailureFatal, false},
	}
	for _, tc := range cases {
		e := &Error{DocumentID: "d1", Kind: tc.kind, Stage: "load", Message: "boom"}
		assert.Equal(t, tc.retryable, e.Retryable(), "kind %s", tc.kind)
	}
}

func TestKindOf(t *testing.T) {
	t.Run("pipeline error", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &Error{DocumentID: "d1", Kind: FailureFatal, Stage: "load", Message: "corrupt"})
		assert.Equal(t, FailureFatal, KindOf(err))
	})

	t.Run("plain error defaults to transient", func(t *testing.T) {
		assert.Equal(t, FailureTransient, KindOf(fmt.Errorf("boom")))
	})
}

func TestFuncProcessor(t *testing.T) {
	p := Func(func(_ context.Context, doc job.Document, _ []byte) (Result, error) {
		return Result{DocumentID: doc.ID, EntityCount: 7}, nil
	})

	res, err := p.Process(context.Background(), job.Document{ID: "d1", Path: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DocumentID)
	assert.Equal(t, 7, res.EntityCount)
}

func TestWorkItemIsValid(t *testing.T) {
	valid := WorkItem{RequestID: "r", DocumentID: "d", Path: "p", SubmittedAt: 1}
	require.NoError(t, valid.IsValid())

	missing := WorkItem{DocumentID: "d", Path: "p", SubmittedAt: 1}
	require.Error(t, missing.IsValid())
}
