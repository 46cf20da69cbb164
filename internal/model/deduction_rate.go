package model

// Duration tiers a key can be sold for, in days. Costs are looked up
// by exact tier; anything else is rejected.
var DurationTiers = []int{1, 3, 7, 15, 30, 60}

// DeductionRateTable maps a duration tier to the balance cost of a
// single-device key for that tier. JSON object keys are the tier day
// counts as strings, so the table round-trips through jsonb unchanged.
type DeductionRateTable map[int]int64

func IsDurationTier(days int) bool {
	for _, tier := range DurationTiers {
		if tier == days {
			return true
		}
	}
	return false
}

// RateFor returns the base cost for a tier, or false when the table
// is nil or has no entry for it.
func (t DeductionRateTable) RateFor(days int) (int64, bool) {
	if t == nil {
		return 0, false
	}
	rate, ok := t[days]
	if !ok || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// Valid reports whether every entry sits on a known tier with a
// positive cost. An empty table is valid and means "use the default".
func (t DeductionRateTable) Valid() bool {
	for days, rate := range t {
		if !IsDurationTier(days) || rate <= 0 {
			return false
		}
	}
	return true
}

func (t DeductionRateTable) Clone() DeductionRateTable {
	if t == nil {
		return nil
	}
	out := make(DeductionRateTable, len(t))
	for days, rate := range t {
		out[days] = rate
	}
	return out
}
