package cost

import "strings"

// referenceHourlyCents is the fallback price book used to estimate a job's
// cost before any provider offer has been selected. Values are conservative
// market-rate snapshots per GPU, in whole cents per hour; live offer prices
// always take precedence once an offer is in hand. Update when rates drift.
var referenceHourlyCents = map[string]int64{
	"H200":    520,
	"H100":    450,
	"A100":    180,
	"A10":     75,
	"L40S":    110,
	"L4":      60,
	"T4":      35,
	"RTX4090": 45,
	"RTX3090": 28,
}

// defaultHourlyCents covers GPU models absent from the price book.
const defaultHourlyCents = 150

// ReferenceRate returns the bookkeeping hourly rate in cents for count GPUs
// of the given model.
func ReferenceRate(model string, count int) int64 {
	if count < 1 {
		count = 1
	}
	rate, ok := referenceHourlyCents[strings.ToUpper(model)]
	if !ok {
		rate = defaultHourlyCents
	}
	return rate * int64(count)
}
