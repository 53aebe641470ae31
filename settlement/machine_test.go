package settlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/shift-settlement/settlement"
)

func submittedTimecard(t *testing.T) *settlement.Timecard {
	t.Helper()
	submitted := time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC)
	return &settlement.Timecard{
		ID:               "tc-1",
		WorkerID:         "w-1",
		PayerID:          "p-1",
		HourlyRate:       dec("50"),
		TotalHours:       dec("8"),
		Status:           settlement.StatusSubmitted,
		SubmittedAt:      submitted,
		ApprovalDeadline: submitted.Add(settlement.DefaultGracePeriod),
	}
}

func fiftyForEight(t *testing.T) settlement.FeeBreakdown {
	t.Helper()
	f, err := settlement.CalculateFees(dec("50"), dec("8"))
	require.NoError(t, err)
	return f
}

func TestStatus_TransitionTable(t *testing.T) {
	all := []settlement.Status{
		settlement.StatusSubmitted, settlement.StatusApproved, settlement.StatusAutoApproved,
		settlement.StatusRejected, settlement.StatusPaid,
	}
	allowed := map[[2]settlement.Status]bool{
		{settlement.StatusSubmitted, settlement.StatusApproved}:     true,
		{settlement.StatusSubmitted, settlement.StatusAutoApproved}: true,
		{settlement.StatusSubmitted, settlement.StatusRejected}:     true,
		{settlement.StatusApproved, settlement.StatusPaid}:          true,
		{settlement.StatusAutoApproved, settlement.StatusPaid}:      true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]settlement.Status{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	assert.True(t, settlement.StatusPaid.IsTerminal())
	assert.True(t, settlement.StatusRejected.IsTerminal())
	assert.False(t, settlement.StatusApproved.IsTerminal())
}

func TestApplyApproval_RecordsFees(t *testing.T) {
	tc := submittedTimecard(t)
	now := tc.SubmittedAt.Add(time.Hour)

	require.NoError(t, settlement.ApplyApproval(tc, settlement.StatusApproved, fiftyForEight(t), "p-1", now))

	assert.Equal(t, settlement.StatusApproved, tc.Status)
	require.NotNil(t, tc.Fees)
	assert.Equal(t, "440.00", tc.Fees.PayerTotalAmount.StringFixed(2))
	assert.Equal(t, now, *tc.DecidedAt)
	assert.Equal(t, "p-1", tc.DecidedBy)
}

func TestApplyApproval_AutoRequiresDeadline(t *testing.T) {
	// GIVEN: A timecard exactly at its deadline
	// WHEN: Auto-approving
	// THEN: Refused; the deadline must have passed

	tc := submittedTimecard(t)
	err := settlement.ApplyApproval(tc, settlement.StatusAutoApproved, fiftyForEight(t), settlement.ActorScheduler, tc.ApprovalDeadline)
	assert.ErrorIs(t, err, settlement.ErrDeadlineNotReached)
	assert.Nil(t, tc.Fees)

	err = settlement.ApplyApproval(tc, settlement.StatusAutoApproved, fiftyForEight(t), settlement.ActorScheduler, tc.ApprovalDeadline.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusAutoApproved, tc.Status)
}

func TestApplyApproval_ClearsFlag(t *testing.T) {
	tc := submittedTimecard(t)
	after := tc.ApprovalDeadline.Add(time.Minute)
	require.NoError(t, settlement.FlagBlockedAutoApproval(tc, "worker has no payout account", after))
	require.NotNil(t, tc.FlaggedAt)

	require.NoError(t, settlement.ApplyApproval(tc, settlement.StatusApproved, fiftyForEight(t), "p-1", after))
	assert.Nil(t, tc.FlaggedAt)
	assert.Empty(t, tc.FlagReason)
}

func TestTerminalStates_RefuseEveryTransition(t *testing.T) {
	// GIVEN: A paid and a rejected timecard
	// WHEN: Attempting any further lifecycle change
	// THEN: Every attempt fails with ErrInvalidTransition and nothing changes

	now := time.Date(2025, time.March, 12, 0, 0, 0, 0, time.UTC)

	paid := submittedTimecard(t)
	require.NoError(t, settlement.ApplyApproval(paid, settlement.StatusApproved, fiftyForEight(t), "p-1", now))
	require.NoError(t, settlement.ApplyPayment(paid, settlement.PaymentReceipt{ChargeReference: "ch_1", PayoutReference: "tr_1"}, now))

	rejected := submittedTimecard(t)
	require.NoError(t, settlement.ApplyRejection(rejected, "hours disputed", "p-1", now))

	for _, tc := range []*settlement.Timecard{paid, rejected} {
		before := tc.Clone()

		assert.ErrorIs(t, settlement.ApplyApproval(tc, settlement.StatusApproved, fiftyForEight(t), "p-1", now), settlement.ErrInvalidTransition)
		assert.ErrorIs(t, settlement.ApplyRejection(tc, "again", "p-1", now), settlement.ErrInvalidTransition)
		assert.ErrorIs(t, settlement.ApplyPayment(tc, settlement.PaymentReceipt{ChargeReference: "ch_2"}, now), settlement.ErrInvalidTransition)
		assert.ErrorIs(t, settlement.RecordPaymentFailure(tc, assert.AnError), settlement.ErrInvalidTransition)
		assert.ErrorIs(t, settlement.FlagBlockedAutoApproval(tc, "x", now), settlement.ErrInvalidTransition)

		assert.Equal(t, before, tc)
	}
}

func TestApplyRejection_RequiresReason(t *testing.T) {
	tc := submittedTimecard(t)
	err := settlement.ApplyRejection(tc, "   ", "p-1", time.Now())
	assert.ErrorIs(t, err, settlement.ErrRejectionReasonRequired)
	assert.Equal(t, settlement.StatusSubmitted, tc.Status)

	require.NoError(t, settlement.ApplyRejection(tc, "  wrong date ", "p-1", time.Now()))
	assert.Equal(t, "wrong date", tc.RejectionReason)
	assert.Nil(t, tc.Fees, "rejection never computes money")
}

func TestRecordPaymentFailure_KeepsApprovedStatus(t *testing.T) {
	tc := submittedTimecard(t)
	require.NoError(t, settlement.ApplyApproval(tc, settlement.StatusApproved, fiftyForEight(t), "p-1", time.Now()))

	payErr := &settlement.PaymentError{Stage: settlement.StageCharge, Retryable: true, Err: assert.AnError}
	require.NoError(t, settlement.RecordPaymentFailure(tc, payErr))

	assert.Equal(t, settlement.StatusApproved, tc.Status)
	assert.Equal(t, 1, tc.PaymentAttempts)
	assert.True(t, tc.LastPaymentRetryable)
	assert.Contains(t, tc.LastPaymentError, "charge")
	assert.True(t, tc.NeedsAttention())
}

func TestFlagBlockedAutoApproval_KeepsFirstFlagTime(t *testing.T) {
	tc := submittedTimecard(t)
	first := tc.ApprovalDeadline.Add(time.Minute)
	second := first.Add(time.Minute)

	require.NoError(t, settlement.FlagBlockedAutoApproval(tc, "a", first))
	require.NoError(t, settlement.FlagBlockedAutoApproval(tc, "b", second))

	assert.Equal(t, first, *tc.FlaggedAt)
	assert.Equal(t, "b", tc.FlagReason)
	assert.Equal(t, 2, tc.GuardFailures)
	assert.Equal(t, settlement.StatusSubmitted, tc.Status)
}

func TestCheckImmutable(t *testing.T) {
	now := time.Now().UTC()
	prev := submittedTimecard(t)
	require.NoError(t, settlement.ApplyApproval(prev, settlement.StatusApproved, fiftyForEight(t), "p-1", now))

	t.Run("unchanged fees pass", func(t *testing.T) {
		next := prev.Clone()
		next.PaymentAttempts++
		assert.NoError(t, settlement.CheckImmutable(prev, next))
	})
	t.Run("changed fees fail", func(t *testing.T) {
		next := prev.Clone()
		next.Fees.WorkerNetAmount = dec("1")
		assert.ErrorIs(t, settlement.CheckImmutable(prev, next), settlement.ErrImmutableField)
	})
	t.Run("cleared fees fail", func(t *testing.T) {
		next := prev.Clone()
		next.Fees = nil
		assert.ErrorIs(t, settlement.CheckImmutable(prev, next), settlement.ErrImmutableField)
	})
	t.Run("moved deadline fails", func(t *testing.T) {
		next := prev.Clone()
		next.ApprovalDeadline = next.ApprovalDeadline.Add(time.Hour)
		assert.ErrorIs(t, settlement.CheckImmutable(prev, next), settlement.ErrImmutableField)
	})
	t.Run("changed rate fails", func(t *testing.T) {
		next := prev.Clone()
		next.HourlyRate = dec("51")
		assert.ErrorIs(t, settlement.CheckImmutable(prev, next), settlement.ErrImmutableField)
	})
}
