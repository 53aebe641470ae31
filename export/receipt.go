package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/warp/shift-settlement/settlement"
)

// BuildReceiptPDF renders the settlement receipt for one decided timecard.
func BuildReceiptPDF(tc *settlement.Timecard) ([]byte, error) {
	if tc == nil || tc.Fees == nil {
		return nil, ErrNotSettled
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Shift Settlement Receipt")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	lines := []string{
		fmt.Sprintf("Timecard: %s", tc.ID),
		fmt.Sprintf("Contract: %s", tc.ContractID),
		fmt.Sprintf("Worker: %s", tc.WorkerID),
		fmt.Sprintf("Payer: %s", tc.PayerID),
		fmt.Sprintf("Shift date: %s", tc.ShiftDate.Format("2006-01-02")),
		fmt.Sprintf("Hours: %s to %s, break %d min", tc.RoundedStart.UTC().Format("15:04"), tc.RoundedEnd.UTC().Format("15:04"), tc.BreakMinutes),
		fmt.Sprintf("Status: %s", tc.Status),
	}
	if tc.DecidedAt != nil {
		lines = append(lines, fmt.Sprintf("Decided: %s by %s", tc.DecidedAt.UTC().Format(time.RFC3339), tc.DecidedBy))
	}
	if tc.PaidAt != nil {
		lines = append(lines, fmt.Sprintf("Paid: %s", tc.PaidAt.UTC().Format(time.RFC3339)))
	}
	if tc.PaymentReference != "" {
		lines = append(lines, fmt.Sprintf("Charge: %s", tc.PaymentReference))
	}
	if tc.PayoutReference != "" {
		lines = append(lines, fmt.Sprintf("Payout: %s", tc.PayoutReference))
	}
	for _, l := range lines {
		pdf.Cell(0, 6, l)
		pdf.Ln(5)
	}
	pdf.Ln(4)

	fees := tc.Fees
	rows := [][2]string{
		{"Billable hours", fees.TotalHours.StringFixed(2)},
		{"Hourly rate", fees.HourlyRate.StringFixed(2)},
		{"Gross", fees.GrossAmount.StringFixed(2)},
		{"Worker fee", fees.WorkerFee.StringFixed(2)},
		{"Worker net", fees.WorkerNetAmount.StringFixed(2)},
		{"Platform fee", fees.PlatformFeeTotal.StringFixed(2)},
		{"Payer total", fees.PayerTotalAmount.StringFixed(2)},
	}
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Item", "1", 0, "L", false, 0, "")
	pdf.CellFormat(40, 6, "Amount (USD)", "1", 0, "R", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, r := range rows {
		pdf.CellFormat(60, 6, r[0], "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, r[1], "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
