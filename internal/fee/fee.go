package fee

import (
	"fmt"
	"math/big"
)

// bpsDenominator is the basis-point scale: 10000 bps = 100%.
const bpsDenominator = 10_000

// Calculator computes the marketplace fee and seller proceeds for a sale.
// All arithmetic is exact big.Int so the off-chain values never diverge from
// the ledger's fixed-point results. Prices are in the ledger's smallest unit
// (wei-scale), which exceeds int64 range.
type Calculator struct {
	bps int64
}

// NewCalculator creates a Calculator for a process-wide fee rate in basis
// points (250 = 2.5%). The rate is configuration, not caller-chosen.
func NewCalculator(bps int64) (*Calculator, error) {
	if bps < 0 || bps > bpsDenominator {
		return nil, fmt.Errorf("fee bps out of range [0,%d]: %d", bpsDenominator, bps)
	}
	return &Calculator{bps: bps}, nil
}

// Bps returns the configured rate.
func (c *Calculator) Bps() int64 { return c.bps }

// Fee returns floor(price * bps / 10000). The result is a fresh big.Int;
// price is never mutated.
func (c *Calculator) Fee(price *big.Int) *big.Int {
	f := new(big.Int).Mul(price, big.NewInt(c.bps))
	return f.Quo(f, big.NewInt(bpsDenominator))
}

// Proceeds returns price - Fee(price), the amount owed to the seller.
func (c *Calculator) Proceeds(price *big.Int) *big.Int {
	return new(big.Int).Sub(price, c.Fee(price))
}
