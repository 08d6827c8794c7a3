package ledger

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

// Pipeline order matters: Rank compares positions in this list.
const (
	StatusAguardandoEntrada Status = "AGUARDANDO_ENTRADA"
	StatusEmProducao        Status = "EM_PRODUCAO"
	StatusPreviaDisponivel  Status = "PREVIA_DISPONIVEL"
	StatusEmAjustes         Status = "EM_AJUSTES"
	StatusFinalPronto       Status = "FINAL_PRONTO"
	StatusSaldoPendente     Status = "SALDO_PENDENTE"
	StatusLiberado          Status = "LIBERADO"
	StatusEncerrado         Status = "ENCERRADO"
)

var pipeline = []Status{
	StatusAguardandoEntrada,
	StatusEmProducao,
	StatusPreviaDisponivel,
	StatusEmAjustes,
	StatusFinalPronto,
	StatusSaldoPendente,
	StatusLiberado,
	StatusEncerrado,
}

// Rank is the position of s in the pipeline, or -1 for unknown statuses.
func (s Status) Rank() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if s.Rank() < 0 {
		return "", fmt.Errorf("unknown project status %q", raw)
	}
	return s, nil
}

func Pipeline() []Status {
	return append([]Status(nil), pipeline...)
}

type StepState string

const (
	StepPending StepState = "PENDING"
	StepActive  StepState = "ACTIVE"
	StepDone    StepState = "DONE"
)

func ParseStepState(raw string) (StepState, error) {
	switch s := StepState(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StepPending, StepActive, StepDone:
		return s, nil
	default:
		return "", fmt.Errorf("unknown step state %q", raw)
	}
}

func (s StepState) rank() int {
	switch s {
	case StepPending:
		return 0
	case StepActive:
		return 1
	case StepDone:
		return 2
	}
	return -1
}

// IsForwardTransition reports whether moving from -> to follows the
// conventional PENDING -> ACTIVE -> DONE order. It is advisory: operators
// may set any state, and a false result only marks an override.
func IsForwardTransition(from, to StepState) bool {
	return to.rank() >= from.rank()
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentCanceled  PaymentStatus = "CANCELED"
)

func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch s := PaymentStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case PaymentPending, PaymentConfirmed, PaymentCanceled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown payment status %q", raw)
	}
}

type PaymentMethod string

var paymentMethods = map[PaymentMethod]struct{}{
	"PIX":           {},
	"BOLETO":        {},
	"CARTAO":        {},
	"TRANSFERENCIA": {},
	"DINHEIRO":      {},
	"OUTRO":         {},
}

func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := paymentMethods[m]; !ok {
		return "", fmt.Errorf("unknown payment method %q", raw)
	}
	return m, nil
}

type FileKind string

const (
	FilePreview FileKind = "PREVIEW"
	FileFinal   FileKind = "FINAL"
)

func ParseFileKind(raw string) (FileKind, error) {
	switch k := FileKind(strings.ToUpper(strings.TrimSpace(raw))); k {
	case FilePreview, FileFinal:
		return k, nil
	default:
		return "", fmt.Errorf("unknown file kind %q", raw)
	}
}

type Step struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	StepKey   string    `json:"stepKey"`
	Title     string    `json:"title"`
	State     StepState `json:"state"`
	Order     int       `json:"order"`
}

type Payment struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Status    PaymentStatus   `json:"status"`
	Note      *string         `json:"note,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type File struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Kind       FileKind  `json:"kind"`
	Name       string    `json:"name"`
	StorageKey string    `json:"-"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Project struct {
	ID           string          `json:"id"`
	Protocol     string          `json:"protocol"`
	ClientName   string          `json:"clientName"`
	TotalValue   decimal.Decimal `json:"totalValue"`
	EntryValue   decimal.Decimal `json:"entryValue"`
	PaidValue    decimal.Decimal `json:"paidValue"`
	BalanceValue decimal.Decimal `json:"balanceValue"`
	FinalRelease bool            `json:"finalRelease"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Steps        []Step          `json:"steps"`
	Payments     []Payment       `json:"payments"`
	Files        []File          `json:"files"`
}

var protocolRe = regexp.MustCompile(`^LS-[0-9]{4}-[0-9]{6}$`)

// NormalizeProtocol upper-cases and trims a protocol. It returns "" when the
// result is not shaped like LS-YYYY-NNNNNN.
func NormalizeProtocol(raw string) string {
	p := strings.ToUpper(strings.TrimSpace(raw))
	if !protocolRe.MatchString(p) {
		return ""
	}
	return p
}

func FormatProtocol(year int, seq int64) string {
	return fmt.Sprintf("LS-%04d-%06d", year, seq)
}
