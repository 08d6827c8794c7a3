// Package ledger derives a project's financial totals and download gates
// from its payments and steps.
package ledger

import "github.com/shopspring/decimal"

// OptionalStepKey is the adjustments step. It may be skipped entirely, so it
// never counts toward progress.
const OptionalStepKey = "AJUSTES"

type StepTemplateEntry struct {
	Key   string
	Title string
}

var stepTemplate = []StepTemplateEntry{
	{Key: "BRIEFING", Title: "Briefing e escopo"},
	{Key: "COLETA_DADOS", Title: "Coleta de dados"},
	{Key: "PROCESSAMENTO", Title: "Processamento"},
	{Key: "PREVIA", Title: "Prévia"},
	{Key: OptionalStepKey, Title: "Ajustes"},
	{Key: "ENTREGA_FINAL", Title: "Entrega final"},
}

// StepTemplate returns the ordered steps every new project starts with.
func StepTemplate() []StepTemplateEntry {
	return append([]StepTemplateEntry(nil), stepTemplate...)
}

var finalDownloadStatuses = map[Status]struct{}{
	StatusFinalPronto:   {},
	StatusSaldoPendente: {},
	StatusLiberado:      {},
	StatusEncerrado:     {},
}

type Totals struct {
	Paid    decimal.Decimal
	Balance decimal.Decimal
}

// Recalculate rebuilds paid and balance from scratch. Only CONFIRMED payments
// count and the balance never goes below zero.
func Recalculate(total decimal.Decimal, payments []Payment) Totals {
	paid := decimal.Zero
	for _, p := range payments {
		if p.Status != PaymentConfirmed {
			continue
		}
		paid = paid.Add(p.Amount)
	}
	paid = paid.Round(2)
	balance := total.Sub(paid)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	return Totals{Paid: paid, Balance: balance.Round(2)}
}

func CanDownloadPreview(p Project) bool {
	return p.PaidValue.GreaterThanOrEqual(p.EntryValue)
}

// CanDownloadFinal needs all three: nothing owed, the operator released the
// final files, and the project reached a final-stage status.
func CanDownloadFinal(p Project) bool {
	if !p.BalanceValue.IsZero() {
		return false
	}
	if !p.FinalRelease {
		return false
	}
	_, ok := finalDownloadStatuses[p.Status]
	return ok
}

// Progress is round(100*done/counted) over the non-optional steps, rounding
// halves up. No counted steps yields 0.
func Progress(steps []Step) int {
	counted, done := 0, 0
	for _, s := range steps {
		if s.StepKey == OptionalStepKey {
			continue
		}
		counted++
		if s.State == StepDone {
			done++
		}
	}
	if counted == 0 {
		return 0
	}
	return (200*done + counted) / (2 * counted)
}

type Summary struct {
	Progress           int  `json:"progress"`
	CanDownloadPreview bool `json:"canDownloadPreview"`
	CanDownloadFinal   bool `json:"canDownloadFinal"`
}

func Summarize(p Project) Summary {
	return Summary{
		Progress:           Progress(p.Steps),
		CanDownloadPreview: CanDownloadPreview(p),
		CanDownloadFinal:   CanDownloadFinal(p),
	}
}

// CanDownload applies the gate that matches the file's kind.
func CanDownload(p Project, kind FileKind) bool {
	switch kind {
	case FilePreview:
		return CanDownloadPreview(p)
	case FileFinal:
		return CanDownloadFinal(p)
	default:
		return false
	}
}
