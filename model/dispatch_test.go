package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func pendingAssignment(ttl time.Duration) *Assignment {
	txn := &Transaction{
		TransactionID: "txn_1",
		Currency:      "USD",
		Amount:        decimal.NewFromInt(100),
	}
	round := NewDispatchRound(txn.TransactionID, 1, nil)
	candidate := &CandidateEvaluation{AgentID: "agt_1", AccountID: "acc_1"}
	return NewAssignment(round, candidate, txn, ttl)
}

func TestAssignmentAccept(t *testing.T) {
	a := pendingAssignment(time.Minute)
	err := a.Accept(time.Now())
	assert.NoError(t, err)
	assert.Equal(t, AssignmentAccepted, a.Status)
	assert.NotNil(t, a.ResolvedAt)
	assert.Equal(t, "agt_1", a.ResolvedBy)
}

func TestAssignmentAcceptAfterDeadline(t *testing.T) {
	a := pendingAssignment(time.Minute)
	err := a.Accept(time.Now().Add(2 * time.Minute))
	assert.ErrorIs(t, err, ErrOfferExpired)
	assert.Equal(t, AssignmentPending, a.Status)
}

func TestAssignmentRejectRecordsActorAndReason(t *testing.T) {
	a := pendingAssignment(time.Minute)
	err := a.Reject(time.Now(), "agt_1", "busy with another payout")
	assert.NoError(t, err)
	assert.Equal(t, AssignmentRejected, a.Status)
	assert.Equal(t, "agt_1", a.ResolvedBy)
	assert.Equal(t, "busy with another payout", a.RejectionReason)
}

func TestAssignmentTerminalTransitionsAreFinal(t *testing.T) {
	a := pendingAssignment(time.Minute)
	assert.NoError(t, a.Accept(time.Now()))

	assert.ErrorIs(t, a.Reject(time.Now(), "agt_1", "late"), ErrAssignmentResolved)
	assert.ErrorIs(t, a.Expire(time.Now()), ErrAssignmentResolved)
	assert.ErrorIs(t, a.Accept(time.Now()), ErrAssignmentResolved)
	assert.Equal(t, AssignmentAccepted, a.Status)
}

func TestAssignmentExpire(t *testing.T) {
	a := pendingAssignment(time.Millisecond)
	err := a.Expire(time.Now())
	assert.NoError(t, err)
	assert.Equal(t, AssignmentExpired, a.Status)
	assert.True(t, a.Terminal())
}

func TestNewDispatchRoundCounters(t *testing.T) {
	candidates := []CandidateEvaluation{
		{AgentID: "agt_1", Score: 80, Selected: true},
		{AgentID: "agt_2", Score: 60},
		{AgentID: "agt_3", FailureCode: FailureOffline},
		{AgentID: "agt_4", FailureCode: FailureCapacityExceeded},
	}
	round := NewDispatchRound("txn_1", 2, candidates)

	assert.Equal(t, 2, round.RoundNumber)
	assert.Equal(t, 4, round.TotalCandidates)
	assert.Equal(t, 2, round.FailedCandidates)

	selected := round.SelectedCandidate()
	assert.NotNil(t, selected)
	assert.Equal(t, "agt_1", selected.AgentID)
}

func TestCanHandleCapabilityMatrix(t *testing.T) {
	agent := &Agent{
		AgentID:       "agt_1",
		AccountStatus: AccountActive,
		Currencies:    []string{"USD", "EUR"},
		Countries:     []string{"US"},
		Methods:       []string{"bank_transfer"},
		MinAmount:     decimal.NewFromInt(10),
		MaxAmount:     decimal.NewFromInt(1000),
	}
	txn := &Transaction{Currency: "USD", Country: "US", Method: "bank_transfer", Amount: decimal.NewFromInt(100)}
	assert.True(t, agent.CanHandle(txn))

	badCurrency := *txn
	badCurrency.Currency = "NGN"
	assert.False(t, agent.CanHandle(&badCurrency))

	tooSmall := *txn
	tooSmall.Amount = decimal.NewFromInt(5)
	assert.False(t, agent.CanHandle(&tooSmall))

	tooLarge := *txn
	tooLarge.Amount = decimal.NewFromInt(5000)
	assert.False(t, agent.CanHandle(&tooLarge))

	disabled := *agent
	disabled.AccountStatus = AccountDisabled
	assert.False(t, disabled.CanHandle(txn))
}

func TestNoMaxAmountMeansUnbounded(t *testing.T) {
	agent := &Agent{
		AccountStatus: AccountActive,
		Currencies:    []string{"USD"},
		Countries:     []string{"US"},
		Methods:       []string{"bank_transfer"},
	}
	txn := &Transaction{Currency: "USD", Country: "US", Method: "bank_transfer", Amount: decimal.NewFromInt(999999)}
	assert.True(t, agent.CanHandle(txn))
}
