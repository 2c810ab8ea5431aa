package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// FEE POLICY
// =============================================================================

const (
	DefaultSendFeeThreshold int64 = 100
	DefaultSendFee          int64 = 5

	// DefaultMaxAmount caps a single send, cash movement or credit.
	DefaultMaxAmount int64 = 1_000_000_000_000
)

// DefaultVATRate is the cash-out deduction applied to the caller's balance (1.5%).
var DefaultVATRate = decimal.RequireFromString("0.015")

// Policy holds the numbers behind fees and VAT.
type Policy struct {
	// SendFeeThreshold: sends strictly above it pay SendFee.
	SendFeeThreshold int64
	SendFee          int64

	// VATRate is applied to the whole balance on cash-out, not to the amount.
	VATRate decimal.Decimal

	// MaxAmount is the largest amount one operation may move. Zero means
	// only the int64 range limits it.
	MaxAmount int64
}

func DefaultPolicy() Policy {
	return Policy{
		SendFeeThreshold: DefaultSendFeeThreshold,
		SendFee:          DefaultSendFee,
		VATRate:          DefaultVATRate,
		MaxAmount:        DefaultMaxAmount,
	}
}

// SendFeeFor returns the flat fee the sender pays on top of amount.
func (p Policy) SendFeeFor(amount int64) int64 {
	if amount > p.SendFeeThreshold {
		return p.SendFee
	}
	return 0
}

// CashOutVAT returns the VAT deducted from balance, rounded up to a whole
// minor unit. Rounding up keeps balances integral and means the check
// amount <= balance-vat agrees with the exact decimal comparison for every
// integral amount.
func (p Policy) CashOutVAT(balance int64) int64 {
	if balance <= 0 {
		return 0
	}
	return decimal.NewFromInt(balance).Mul(p.VATRate).Ceil().IntPart()
}

// AvailableAfterVAT returns balance minus its VAT.
func (p Policy) AvailableAfterVAT(balance int64) int64 {
	return balance - p.CashOutVAT(balance)
}
