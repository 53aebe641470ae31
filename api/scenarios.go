/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a contract,
	payment-readiness records and a submitted timecard, each showing one
	behavior of the settlement engine.

AVAILABLE SCENARIOS:

	ready-pair:        $50/h, 8h shift, payer and worker ready to transact
	overnight-shift:   22:07 to 06:50 overnight shift, rounds to 8.50h
	charges-disabled:  worker account cannot take charges, approval refused
	no-payment-method: payer has no card, auto-approval gets flagged

HOW SCENARIOS WORK:
 1. Upsert the scenario's contract, payment method and payout account
 2. Submit a timecard through settlement.Service, so every rule applies
 3. Return the contract id and the submitted timecard

Timecards are never deleted, so loading a scenario twice adds a second
timecard against the same contract.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "ready-pair"}

SEE ALSO:
  - handlers.go: Contract and readiness endpoints
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/shift-settlement/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "ready-pair",
		Name:        "Ready Pair",
		Description: "$50/h contract, 8h shift, payer and worker ready: approval pays $440 and pays out $380",
	},
	{
		ID:          "overnight-shift",
		Name:        "Overnight Shift",
		Description: "22:07 to 06:50 with a 30 minute break rounds outward to 8.50 billable hours",
	},
	{
		ID:          "charges-disabled",
		Name:        "Charges Disabled",
		Description: "Worker payout account has charges disabled: approval is refused and nothing is written",
	},
	{
		ID:          "no-payment-method",
		Name:        "No Payment Method",
		Description: "Payer has no card: after the deadline the auto-approval is blocked and flagged",
	},
}

type scenarioSetup struct {
	rate          int64
	paymentMethod *settlement.PaymentMethod
	payout        *settlement.PayoutAccount
	shift         settlement.ShiftInput
}

func scenarioFor(id string, shiftDate time.Time) (scenarioSetup, bool) {
	payer := settlement.PayerID("demo-" + id + "-payer")
	worker := settlement.WorkerID("demo-" + id + "-worker")
	readyCard := &settlement.PaymentMethod{PayerID: payer, Reference: "pm_demo_" + id, Active: true}
	readyAccount := &settlement.PayoutAccount{
		WorkerID:       worker,
		Reference:      "acct_demo_" + id,
		ChargesEnabled: true,
		PayoutsEnabled: true,
		Status:         settlement.AccountStatusActive,
	}
	dayShift := settlement.ShiftInput{ShiftDate: shiftDate, StartTime: "09:00", EndTime: "17:30", BreakMinutes: 30}

	switch id {
	case "ready-pair":
		return scenarioSetup{rate: 50, paymentMethod: readyCard, payout: readyAccount, shift: dayShift}, true
	case "overnight-shift":
		return scenarioSetup{
			rate:          50,
			paymentMethod: readyCard,
			payout:        readyAccount,
			shift: settlement.ShiftInput{
				ShiftDate:    shiftDate,
				StartTime:    "22:07",
				EndTime:      "06:50",
				IsOvernight:  true,
				BreakMinutes: 30,
			},
		}, true
	case "charges-disabled":
		disabled := *readyAccount
		disabled.ChargesEnabled = false
		return scenarioSetup{rate: 50, paymentMethod: readyCard, payout: &disabled, shift: dayShift}, true
	case "no-payment-method":
		return scenarioSetup{rate: 50, payout: readyAccount, shift: dayShift}, true
	}
	return scenarioSetup{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var found *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			found = &scenarios[i]
		}
	}
	if found == nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	contractID, tc, err := h.loadScenario(r.Context(), found.ID)
	if err != nil {
		writeServiceError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioResultDTO{
		Scenario:  *found,
		Contracts: []string{string(contractID)},
		Timecards: []TimecardDTO{toTimecardDTO(tc)},
	})
}

func (h *Handler) loadScenario(ctx context.Context, id string) (settlement.ContractID, *settlement.Timecard, error) {
	now := h.Service.Now()
	yesterday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)

	setup, ok := scenarioFor(id, yesterday)
	if !ok {
		return "", nil, fmt.Errorf("unknown scenario %q", id)
	}

	contract := &settlement.Contract{
		ID:         settlement.ContractID("demo-" + id),
		WorkerID:   settlement.WorkerID("demo-" + id + "-worker"),
		PayerID:    settlement.PayerID("demo-" + id + "-payer"),
		HourlyRate: decimal.NewFromInt(setup.rate),
		Active:     true,
		CreatedAt:  now,
	}
	if err := h.Registry.SaveContract(ctx, contract); err != nil {
		return "", nil, fmt.Errorf("save contract: %w", err)
	}
	if setup.paymentMethod != nil {
		setup.paymentMethod.UpdatedAt = now
		if err := h.Registry.SavePaymentMethod(ctx, setup.paymentMethod); err != nil {
			return "", nil, fmt.Errorf("save payment method: %w", err)
		}
	}
	if setup.payout != nil {
		setup.payout.UpdatedAt = now
		if err := h.Registry.SavePayoutAccount(ctx, setup.payout); err != nil {
			return "", nil, fmt.Errorf("save payout account: %w", err)
		}
	}

	tc, err := h.Service.Submit(ctx, settlement.SubmitInput{
		ContractID: contract.ID,
		Shift:      setup.shift,
		Notes:      "demo scenario " + id,
	})
	if err != nil {
		return "", nil, err
	}
	return contract.ID, tc, nil
}
