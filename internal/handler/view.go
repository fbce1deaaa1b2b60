package handler

import (
	"fmt"
	"strconv"

	"tecnocard-edge-agent/internal/loyalty"
	"tecnocard-edge-agent/internal/model"
)

// Discount labels shown on the stepper milestone slots.
const (
	rewardLabel   = "15% OFF"
	completeLabel = "25% OFF"
)

// StepperStep is one slot on the ten-step progress display.
type StepperStep struct {
	Step    int    `json:"step"`
	Filled  bool   `json:"filled"`
	Current bool   `json:"current"`
	Label   string `json:"label,omitempty"`
}

// HistoryLine is one rendered visit row, newest first.
type HistoryLine struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Amount    float64 `json:"amount"`
	ScannedAt string  `json:"scanned_at"`
	Pending   bool    `json:"pending,omitempty"`
}

// CardView is the customer-facing card representation.
type CardView struct {
	RUT          string        `json:"rut"`
	RUTDisplay   string        `json:"rut_display"`
	QRCode       string        `json:"qr_code"`
	Visits       int           `json:"visits"`
	CurrentStep  int           `json:"current_step"`
	State        string        `json:"state"`
	RegisteredAt string        `json:"registered_at"`
	Steps        []StepperStep `json:"steps"`
	History      []HistoryLine `json:"history"`
}

// buildCardView renders a session into the display shape. The history is
// sorted newest first; the backend imposes no order on its payloads.
func buildCardView(session *model.Session, state loyalty.State, rutDisplay string) *CardView {
	view := &CardView{
		RUT:          session.Identity.RUT,
		RUTDisplay:   rutDisplay,
		QRCode:       session.Identity.QRCode,
		Visits:       session.Visits,
		CurrentStep:  session.CurrentStep(),
		State:        state.String(),
		RegisteredAt: session.RegisteredAt.Format("02/01/2006"),
		Steps:        make([]StepperStep, 0, model.MaxVisits),
		History:      []HistoryLine{},
	}

	for step := 1; step <= model.MaxVisits; step++ {
		s := StepperStep{
			Step:    step,
			Filled:  step <= session.Visits,
			Current: step == session.CurrentStep(),
		}
		switch step {
		case model.MilestoneReward:
			s.Label = rewardLabel
		case model.MilestoneComplete:
			s.Label = completeLabel
		}
		view.Steps = append(view.Steps, s)
	}

	sorted := session.SortedHistory()
	for i := len(sorted) - 1; i >= 0; i-- {
		rec := sorted[i]
		view.History = append(view.History, HistoryLine{
			ID:        rec.ID,
			Text:      fmt.Sprintf("%s | $%s", rec.ScannedAt.Format("02/01/2006"), formatCLP(rec.AmountPaid)),
			Amount:    rec.AmountPaid,
			ScannedAt: rec.ScannedAt.Format("2006-01-02T15:04:05Z07:00"),
			Pending:   rec.IsTemp(),
		})
	}

	return view
}

// formatCLP renders a peso amount with dot thousands grouping and no
// decimals, the way amounts are printed on Chilean receipts.
func formatCLP(amount float64) string {
	n := int64(amount)
	neg := n < 0
	if neg {
		n = -n
	}

	digits := strconv.FormatInt(n, 10)
	var out []byte
	for i, d := range []byte(digits) {
		if i > 0 && (len(digits)-i)%3 == 0 {
			out = append(out, '.')
		}
		out = append(out, d)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
