package inference

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(`{"flagged": true, "reason": " slur ", "confidence": 0.9}`)
	require.NoError(t, err)
	assert.True(t, v.Flagged)
	assert.Equal(t, "slur", v.Reason)
	require.NotNil(t, v.Confidence)
	assert.InDelta(t, 0.9, *v.Confidence, 1e-9)

	v, err = ParseVerdict("```json\n{\"flagged\": false}\n```")
	require.NoError(t, err)
	assert.False(t, v.Flagged)

	for _, bad := range []string{"", "yes", `{"flagged":"true"}`, `{"reason":"x"}`, `{"flagged":true,"confidence":3}`} {
		_, err := ParseVerdict(bad)
		assert.True(t, IsMalformed(err), "input %q", bad)
		assert.True(t, IsRecoverable(err))
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := &SubmissionError{Provider: "openai", Model: "m", Detail: "secret detail", Err: ClassifyStatus(401)}
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsRecoverable(wrapped))
	assert.NotContains(t, SafeMessage(wrapped), "secret")

	assert.True(t, IsRateLimited(ClassifyStatus(429)))
	assert.True(t, IsTimeout(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, "request timed out", SafeMessage(context.DeadlineExceeded))
	assert.True(t, IsRecoverable(ClassifyStatus(503)))
	assert.True(t, IsFatal(ClassifyStatus(404)))
	assert.NoError(t, ClassifyStatus(200))
}

func TestParseTierAndEffort(t *testing.T) {
	tier, err := ParseServiceTier("")
	require.NoError(t, err)
	assert.Equal(t, TierDefault, tier)
	_, err = ParseServiceTier("turbo")
	assert.Error(t, err)

	effort, err := ParseReasoningEffort("HIGH")
	require.NoError(t, err)
	assert.Equal(t, EffortHigh, effort)
	_, err = ParseReasoningEffort("max")
	assert.Error(t, err)
}
