package swap

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var bps = decimal.NewFromInt(model.BpsDenominator)

// floorDiv returns floor(a/b) for positive operands.
func floorDiv(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}

// ceilDiv returns ceil(a/b) for positive operands.
func ceilDiv(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, 0)
	if !r.IsZero() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q
}

// amountOut is the constant-product output for amountIn, fee taken on input.
// ok is false when the pool cannot produce a positive output.
func amountOut(amountIn, reserveIn, reserveOut decimal.Decimal, feeBps uint32) (out decimal.Decimal, ok bool) {
	if !amountIn.IsPositive() || !reserveIn.IsPositive() || !reserveOut.IsPositive() {
		return decimal.Zero, false
	}
	inWithFee := amountIn.Mul(decimal.NewFromInt(int64(model.BpsDenominator - feeBps)))
	out = floorDiv(reserveOut.Mul(inWithFee), reserveIn.Mul(bps).Add(inWithFee))
	return out, out.IsPositive()
}

// amountIn is the input needed to take exactly amountOut from the pool,
// rounded up so the pool never loses value. ok is false when amountOut would
// drain the pool.
func amountIn(amountOut, reserveIn, reserveOut decimal.Decimal, feeBps uint32) (in decimal.Decimal, ok bool) {
	if !amountOut.IsPositive() || !reserveIn.IsPositive() || amountOut.GreaterThanOrEqual(reserveOut) {
		return decimal.Zero, false
	}
	num := reserveIn.Mul(amountOut).Mul(bps)
	den := reserveOut.Sub(amountOut).Mul(decimal.NewFromInt(int64(model.BpsDenominator - feeBps)))
	return ceilDiv(num, den), true
}

// spotOut is the output at the pool's marginal price after fees, ignoring
// price impact.
func spotOut(amountIn, reserveIn, reserveOut decimal.Decimal, feeBps uint32) decimal.Decimal {
	if !reserveIn.IsPositive() {
		return decimal.Zero
	}
	inWithFee := amountIn.Mul(decimal.NewFromInt(int64(model.BpsDenominator - feeBps)))
	return floorDiv(reserveOut.Mul(inWithFee), reserveIn.Mul(bps))
}
