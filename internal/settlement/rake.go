package settlement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is one commission band. A stake belongs to the first tier whose
// UpTo bound it does not exceed; the last tier is open-ended (UpTo is nil).
type Tier struct {
	Name string
	UpTo *decimal.Decimal
	Rate decimal.Decimal
}

type TierTable []Tier

var tierNames = []string{"SEED", "COMPETITOR", "PRO", "ELITE", "LEGEND"}

// DefaultTiers: up to 10 → 8%, up to 50 → 6%, above → 5%.
var DefaultTiers = MustParseTiers("10:0.08,50:0.06,*:0.05")

// ParseTiers reads "bound:rate,...,*:rate". Bounds must increase and the
// table must end with an open "*" tier.
func ParseTiers(def string) (TierTable, error) {
	var table TierTable
	parts := strings.Split(def, ",")
	for i, part := range parts {
		bound, rateStr, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("tier %q: expected bound:rate", part)
		}
		rate, err := decimal.NewFromString(rateStr)
		if err != nil || rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
			return nil, fmt.Errorf("tier %q: invalid rate", part)
		}
		name := fmt.Sprintf("TIER%d", i+1)
		if i < len(tierNames) {
			name = tierNames[i]
		}
		t := Tier{Name: name, Rate: rate}
		if bound != "*" {
			b, err := decimal.NewFromString(bound)
			if err != nil || !b.IsPositive() {
				return nil, fmt.Errorf("tier %q: invalid bound", part)
			}
			t.UpTo = &b
		} else if i != len(parts)-1 {
			return nil, fmt.Errorf("tier %q: open tier must be last", part)
		}
		table = append(table, t)
	}
	if len(table) == 0 || table[len(table)-1].UpTo != nil {
		return nil, fmt.Errorf("tier table must end with an open tier")
	}
	if !sort.SliceIsSorted(table[:len(table)-1], func(i, j int) bool {
		return table[i].UpTo.LessThan(*table[j].UpTo)
	}) {
		return nil, fmt.Errorf("tier bounds must increase")
	}
	return table, nil
}

func MustParseTiers(def string) TierTable {
	t, err := ParseTiers(def)
	if err != nil {
		panic(err)
	}
	return t
}

// For returns the tier a stake falls into.
func (t TierTable) For(stake decimal.Decimal) Tier {
	for _, tier := range t {
		if tier.UpTo == nil || stake.LessThanOrEqual(*tier.UpTo) {
			return tier
		}
	}
	return t[len(t)-1]
}

// Split is the payout arithmetic for one match.
type Split struct {
	Tier     string
	Fee      decimal.Decimal // per player
	Rake     decimal.Decimal // 2·Fee
	Winnings decimal.Decimal // 2·stake − Rake
}

// Compute rounds the per-player fee half-to-even at cents; the rake is twice
// that fee.
func (t TierTable) Compute(stake decimal.Decimal) Split {
	tier := t.For(stake)
	fee := stake.Mul(tier.Rate).RoundBank(2)
	rake := fee.Add(fee)
	return Split{
		Tier:     tier.Name,
		Fee:      fee,
		Rake:     rake,
		Winnings: stake.Add(stake).Sub(rake),
	}
}
