package maestro

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckpointTTL(t *testing.T) {
	require.Equal(t, DefaultCheckpointTTL, checkpointTTL(&ApprovalSpec{}))
	require.Equal(t, DefaultCheckpointTTL, checkpointTTL(&ApprovalSpec{ExpiresInMinutes: -5}))
	require.Equal(t, 90*time.Minute, checkpointTTL(&ApprovalSpec{ExpiresInMinutes: 90}))

	// Windows beyond a week are clamped.
	require.Equal(t, MaxCheckpointTTL, checkpointTTL(&ApprovalSpec{ExpiresInMinutes: 60 * 24 * 30}))
}

func TestCheckpointExpired(t *testing.T) {
	now := time.Now()
	checkpoint := &Checkpoint{ExpiresAt: now.Add(time.Minute)}
	require.False(t, checkpoint.Expired(now))
	require.True(t, checkpoint.Expired(now.Add(2*time.Minute)))

	// A zero deadline never expires.
	require.False(t, (&Checkpoint{}).Expired(now))
}

func TestStatusForDecision(t *testing.T) {
	require.Equal(t, CheckpointApproved, statusFor(DecisionApprove))
	require.Equal(t, CheckpointRejected, statusFor(DecisionReject))
	require.Equal(t, CheckpointExpired, statusFor(DecisionExpire))
}
