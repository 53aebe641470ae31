/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state and that the
	settlement engine then behaves the way the scenario describes:
	- Contract and readiness records are created
	- The timecard is submitted with the expected hours
	- Approval or the deadline sweep produces the advertised outcome
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shift-settlement/settlement"
)

func loadTestScenario(t *testing.T, f *apiFixture, id string) ScenarioResultDTO {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ScenarioResultDTO](t, rec)
	require.Len(t, res.Timecards, 1)
	return res
}

func TestListScenarios(t *testing.T) {
	f := newAPIFixture(t, nil)

	list := decode[[]ScenarioDTO](t, f.do(http.MethodGet, "/api/scenarios", nil, ""))

	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
		_, ok := scenarioFor(s.ID, time.Now())
		assert.True(t, ok, "scenario %s has no setup", s.ID)
	}
	assert.Equal(t, []string{"ready-pair", "overnight-shift", "charges-disabled", "no-payment-method"}, ids)
}

func TestScenario_ReadyPair(t *testing.T) {
	// GIVEN: The ready-pair scenario
	f := newAPIFixture(t, nil)
	res := loadTestScenario(t, f, "ready-pair")
	tc := res.Timecards[0]

	assert.Equal(t, []string{"demo-ready-pair"}, res.Contracts)
	assert.Equal(t, "2025-03-10", tc.ShiftDate)
	assert.Equal(t, "8.00", tc.TotalHours)
	assert.Equal(t, "submitted", tc.Status)

	// WHEN: The payer approves
	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "demo-ready-pair-payer"}, "")

	// THEN: $440 is charged and $380 paid out
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[SettlementResponse](t, rec).Timecard
	assert.Equal(t, "paid", got.Status)
	assert.Equal(t, int64(44000), f.gw.ChargedCents(tc.ID))
	assert.Equal(t, int64(38000), f.gw.PaidOutCents(tc.ID+":payout"))
}

func TestScenario_OvernightShift(t *testing.T) {
	f := newAPIFixture(t, nil)
	tc := loadTestScenario(t, f, "overnight-shift").Timecards[0]

	assert.True(t, tc.IsOvernight)
	assert.Equal(t, "8.50", tc.TotalHours)
	assert.Equal(t, "2025-03-10T22:00:00Z", tc.RoundedStart)
	assert.Equal(t, "2025-03-11T07:00:00Z", tc.RoundedEnd)
}

func TestScenario_ChargesDisabled(t *testing.T) {
	// GIVEN: A worker whose account cannot take charges
	f := newAPIFixture(t, nil)
	tc := loadTestScenario(t, f, "charges-disabled").Timecards[0]

	// WHEN: The payer approves
	rec := f.do(http.MethodPost, "/api/timecards/"+tc.ID+"/approve", ApproveRequest{PayerID: "demo-charges-disabled-payer"}, "")

	// THEN: The approval is refused and nothing changes
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	got, err := f.svc.Get(context.Background(), settlement.TimecardID(tc.ID))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusSubmitted, got.Status)
	assert.Nil(t, got.Fees)
	assert.Zero(t, f.gw.ChargeCalls())
}

func TestScenario_NoPaymentMethod(t *testing.T) {
	// GIVEN: A payer without a card and a deadline that has passed
	f := newAPIFixture(t, nil)
	tc := loadTestScenario(t, f, "no-payment-method").Timecards[0]
	f.clock.Advance(73 * time.Hour)

	// WHEN: The sweep runs
	report := decode[SweepReportDTO](t, f.do(http.MethodPost, "/api/admin/sweep", nil, ""))

	// THEN: The auto-approval is blocked and the timecard is flagged
	assert.Equal(t, 1, report.Blocked)
	got := decode[TimecardDTO](t, f.do(http.MethodGet, "/api/timecards/"+tc.ID, nil, ""))
	assert.Equal(t, "submitted", got.Status)
	assert.True(t, got.NeedsAttention)
	assert.NotEmpty(t, got.FlagReason)
	assert.Nil(t, got.Fees)

	attention := decode[[]TimecardDTO](t, f.do(http.MethodGet, "/api/attention", nil, ""))
	require.Len(t, attention, 1)
	assert.Equal(t, tc.ID, attention[0].ID)
}

func TestScenario_LoadTwiceAddsTimecard(t *testing.T) {
	f := newAPIFixture(t, nil)
	first := loadTestScenario(t, f, "ready-pair").Timecards[0]
	second := loadTestScenario(t, f, "ready-pair").Timecards[0]

	assert.NotEqual(t, first.ID, second.ID)
	contracts := decode[[]ContractDTO](t, f.do(http.MethodGet, "/api/contracts", nil, ""))
	assert.Len(t, contracts, 1)
}

func TestLoadScenario_Unknown(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/scenarios/load", "garbage", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
