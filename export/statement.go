// Package export renders settlement documents: the payer statement workbook
// and the per-timecard receipt.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/shift-settlement/settlement"
)

// ErrNotSettled is returned when a document needs a fee breakdown the
// timecard does not have yet.
var ErrNotSettled = errors.New("export: timecard has no fee breakdown")

// Statement is a payer's decided timecards with running totals.
type Statement struct {
	PayerID     settlement.PayerID
	GeneratedAt time.Time
	Lines       []*settlement.Timecard

	Hours       decimal.Decimal
	Gross       decimal.Decimal
	PlatformFee decimal.Decimal
	PayerTotal  decimal.Decimal
	Outstanding decimal.Decimal
}

// NewStatement keeps the payer's timecards that carry fees (approved,
// auto-approved or paid) ordered by shift date, and totals them. Outstanding
// is the part of PayerTotal not yet charged.
func NewStatement(payer settlement.PayerID, timecards []*settlement.Timecard, now time.Time) Statement {
	st := Statement{PayerID: payer, GeneratedAt: now.UTC()}
	for _, tc := range timecards {
		if tc.PayerID != payer || tc.Fees == nil {
			continue
		}
		st.Lines = append(st.Lines, tc)
		st.Hours = st.Hours.Add(tc.TotalHours)
		st.Gross = st.Gross.Add(tc.Fees.GrossAmount)
		st.PlatformFee = st.PlatformFee.Add(tc.Fees.PlatformFeeTotal)
		st.PayerTotal = st.PayerTotal.Add(tc.Fees.PayerTotalAmount)
		if tc.PaymentReference == "" {
			st.Outstanding = st.Outstanding.Add(tc.Fees.PayerTotalAmount)
		}
	}
	sort.SliceStable(st.Lines, func(i, j int) bool {
		a, b := st.Lines[i], st.Lines[j]
		if !a.ShiftDate.Equal(b.ShiftDate) {
			return a.ShiftDate.Before(b.ShiftDate)
		}
		return a.ID < b.ID
	})
	return st
}

const (
	summarySheet   = "summary"
	timecardsSheet = "timecards"
)

var timecardHeaders = []string{
	"Timecard", "Shift date", "Worker", "Start", "End", "Break (min)", "Hours",
	"Rate", "Gross", "Platform fee", "Payer total", "Status", "Charge", "Paid at",
}

// BuildStatementXLSX renders a statement as a two-sheet workbook.
func BuildStatementXLSX(st Statement) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(timecardsSheet); err != nil {
		return nil, err
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Payer Statement")
	summary := [][2]any{
		{"Payer", string(st.PayerID)},
		{"Generated", st.GeneratedAt.Format(time.RFC3339)},
		{"Timecards", len(st.Lines)},
		{"Hours", st.Hours.InexactFloat64()},
		{"Gross", st.Gross.InexactFloat64()},
		{"Platform fee", st.PlatformFee.InexactFloat64()},
		{"Payer total", st.PayerTotal.InexactFloat64()},
		{"Outstanding", st.Outstanding.InexactFloat64()},
		{"Currency", "USD"},
	}
	for i, kv := range summary {
		row := i + 3
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), kv[1])
	}
	_ = f.SetCellStyle(summarySheet, "B7", "B10", money)

	for i, h := range timecardHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(timecardsSheet, cell, h)
	}
	for i, tc := range st.Lines {
		row := i + 2
		paidAt := ""
		if tc.PaidAt != nil {
			paidAt = tc.PaidAt.UTC().Format(time.RFC3339)
		}
		values := []any{
			string(tc.ID),
			tc.ShiftDate.Format("2006-01-02"),
			string(tc.WorkerID),
			tc.RoundedStart.UTC().Format("15:04"),
			tc.RoundedEnd.UTC().Format("15:04"),
			tc.BreakMinutes,
			tc.TotalHours.InexactFloat64(),
			tc.HourlyRate.InexactFloat64(),
			tc.Fees.GrossAmount.InexactFloat64(),
			tc.Fees.PlatformFeeTotal.InexactFloat64(),
			tc.Fees.PayerTotalAmount.InexactFloat64(),
			string(tc.Status),
			tc.PaymentReference,
			paidAt,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(timecardsSheet, cell, v)
		}
	}
	if n := len(st.Lines); n > 0 {
		_ = f.SetCellStyle(timecardsSheet, "H2", fmt.Sprintf("K%d", n+1), money)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
