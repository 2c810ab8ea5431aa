package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPolicy_SendFee(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, int64(0), p.SendFeeFor(1))
	assert.Equal(t, int64(0), p.SendFeeFor(100), "threshold itself is free")
	assert.Equal(t, int64(5), p.SendFeeFor(101))
	assert.Equal(t, int64(5), p.SendFeeFor(1_000_000))
	assert.Equal(t, DefaultMaxAmount, p.MaxAmount)
}

func TestPolicy_CashOutVAT(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		balance int64
		vat     int64
	}{
		{0, 0},
		{1, 1},     // 0.015 rounds up
		{100, 2},   // 1.5 rounds up
		{200, 3},   // exact
		{1000, 15}, // exact
		{1001, 16}, // 15.015 rounds up
		{-10, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.vat, p.CashOutVAT(tt.balance), "balance %d", tt.balance)
	}
	assert.Equal(t, int64(985), p.AvailableAfterVAT(1000))
}

func TestPolicy_CustomRate(t *testing.T) {
	p := Policy{SendFeeThreshold: 0, SendFee: 1, VATRate: decimal.RequireFromString("0.1")}

	assert.Equal(t, int64(1), p.SendFeeFor(1))
	assert.Equal(t, int64(100), p.CashOutVAT(1000))
}

func TestLockStripes_SameStripeTwiceDoesNotDeadlock(t *testing.T) {
	l := newLockStripes(1)

	unlock := l.lock("alice@example.com", "bob@example.com")
	unlock()

	unlock = l.lock("bob@example.com", "alice@example.com")
	unlock()
}
