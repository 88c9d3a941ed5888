package domain

import (
	"fmt"
	"math"
	"math/bits"
	"sort"
)

const (
	splitScale    = 1_000_000
	bpsScale      = 10_000
	policyEpsilon = 1e-6
)

// GovernancePolicy is the five-way target distribution of a bounty payout.
// It is plain configuration: build it with NewGovernancePolicy at startup and
// pass it explicitly to ComputeSplit.
type GovernancePolicy struct {
	LeadShare   float64 `json:"lead_share" yaml:"lead_share"`
	SquadShare  float64 `json:"squad_share" yaml:"squad_share"`
	PlatformFee float64 `json:"platform_fee" yaml:"platform_fee"`
	ComputeFee  float64 `json:"compute_fee" yaml:"compute_fee"`
	GrowthFee   float64 `json:"growth_fee" yaml:"growth_fee"`
}

func DefaultGovernancePolicy() GovernancePolicy {
	return GovernancePolicy{LeadShare: 0.55, SquadShare: 0.20, PlatformFee: 0.15, ComputeFee: 0.05, GrowthFee: 0.05}
}

func NewGovernancePolicy(lead, squad, platform, compute, growth float64) (GovernancePolicy, error) {
	p := GovernancePolicy{LeadShare: lead, SquadShare: squad, PlatformFee: platform, ComputeFee: compute, GrowthFee: growth}
	if err := p.Validate(); err != nil {
		return GovernancePolicy{}, err
	}
	return p, nil
}

// Validate checks that every fraction is in [0,1] and that they sum to 1.
// Fractions are carried at parts-per-million precision.
func (p GovernancePolicy) Validate() error {
	var sum float64
	for i, f := range p.fractions() {
		if math.IsNaN(f) || f < 0 || f > 1 {
			return fmt.Errorf("%w: %s fraction %v out of range", ErrInvalidPolicy, splitFieldNames[i], f)
		}
		sum += f
	}
	if math.Abs(sum-1) > policyEpsilon {
		return fmt.Errorf("%w: fractions sum to %v, want 1.0", ErrInvalidPolicy, sum)
	}
	var ppmTotal int64
	for _, v := range p.ppm() {
		ppmTotal += v
	}
	if ppmTotal != splitScale {
		return fmt.Errorf("%w: fractions exceed parts-per-million precision", ErrInvalidPolicy)
	}
	return nil
}

var splitFieldNames = [5]string{"lead_share", "squad_share", "platform_fee", "compute_fee", "growth_fee"}

func (p GovernancePolicy) fractions() [5]float64 {
	return [5]float64{p.LeadShare, p.SquadShare, p.PlatformFee, p.ComputeFee, p.GrowthFee}
}

func (p GovernancePolicy) ppm() [5]int64 {
	var out [5]int64
	for i, f := range p.fractions() {
		if math.IsNaN(f) || f <= 0 {
			continue
		}
		if f >= 1 {
			out[i] = splitScale
			continue
		}
		out[i] = int64(math.Round(f * splitScale))
	}
	return out
}

// PayoutSplit holds the five shares in minor currency units.
type PayoutSplit struct {
	Amount      int64 `json:"amount"`
	LeadShare   int64 `json:"lead_share"`
	SquadShare  int64 `json:"squad_share"`
	PlatformFee int64 `json:"platform_fee"`
	ComputeFee  int64 `json:"compute_fee"`
	GrowthFee   int64 `json:"growth_fee"`
}

func (s PayoutSplit) Total() int64 {
	return s.LeadShare + s.SquadShare + s.PlatformFee + s.ComputeFee + s.GrowthFee
}

// ComputeSplit rounds each share half away from zero. When the rounded shares
// do not add up to amount it falls back to largest-remainder apportionment, so
// a validated policy always yields shares summing to exactly amount.
func ComputeSplit(amount int64, policy GovernancePolicy) PayoutSplit {
	if amount <= 0 {
		return PayoutSplit{}
	}
	ppm := policy.ppm()
	var (
		rounded [5]int64
		floors  [5]int64
		rems    [5]uint64
		total   int64
		ppmSum  int64
	)
	for i, part := range ppm {
		q, r := mulDiv(amount, part, splitScale)
		floors[i], rems[i] = q, r
		rounded[i] = q
		if r*2 >= splitScale {
			rounded[i]++
		}
		total += rounded[i]
		ppmSum += part
	}
	if total != amount && ppmSum == splitScale {
		var floorSum int64
		for _, v := range floors {
			floorSum += v
		}
		order := []int{0, 1, 2, 3, 4}
		sort.SliceStable(order, func(a, b int) bool { return rems[order[a]] > rems[order[b]] })
		for k := int64(0); k < amount-floorSum && int(k) < len(order); k++ {
			floors[order[k]]++
		}
		rounded = floors
	}
	return PayoutSplit{
		Amount:      amount,
		LeadShare:   rounded[0],
		SquadShare:  rounded[1],
		PlatformFee: rounded[2],
		ComputeFee:  rounded[3],
		GrowthFee:   rounded[4],
	}
}

// PlatformFee is the flat fee realized at release, in basis points of amount,
// rounded half away from zero.
func PlatformFee(amount, feeBps int64) int64 {
	if amount <= 0 || feeBps <= 0 {
		return 0
	}
	if feeBps >= bpsScale {
		return amount
	}
	q, r := mulDiv(amount, feeBps, bpsScale)
	if r*2 >= bpsScale {
		q++
	}
	return q
}

// mulDiv returns floor(a*b/d) and the remainder without overflowing int64.
// a and b must be non-negative and b <= d.
func mulDiv(a, b int64, d uint64) (int64, uint64) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	q, r := bits.Div64(hi, lo, d)
	return int64(q), r
}
