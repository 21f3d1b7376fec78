package reconstructor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/models"
)

var mints = []string{"A", "B", "C"}

// gaplessEvents turns generated steps into a sequence that never debits more
// than the wallet holds: a negative step debits at most the running balance.
func gaplessEvents(steps []int) []models.ChainEvent {
	held := map[string]int{}
	events := make([]models.ChainEvent, 0, len(steps))
	for i, s := range steps {
		mint := mints[i%len(mints)]
		amount := s
		if amount < 0 && -amount > held[mint] {
			amount = -held[mint]
		}
		held[mint] += amount
		events = append(events, transfer(
			fmt.Sprintf("e%04d", i), uint64(i+1), mint,
			fmt.Sprintf("%d", amount), price(fmt.Sprintf("%d", i%5+1)),
		))
	}
	return events
}

func TestReconstructProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	steps := gen.SliceOf(gen.IntRange(-20, 20))

	properties.Property("holdings are never negative without gaps", prop.ForAll(
		func(s []int) bool {
			snaps, err := Reconstruct(gaplessEvents(s), nil)
			if err != nil {
				return false
			}
			for _, snap := range snaps {
				for _, h := range snap.Holdings {
					if h.Quantity.IsNegative() || h.CostBasis.IsNegative() {
						return false
					}
				}
			}
			return len(snaps) == len(s)
		},
		steps,
	))

	properties.Property("a debit with no prior credit raises NegativeHoldingError", prop.ForAll(
		func(s []int, debit int) bool {
			events := gaplessEvents(s)
			gap := transfer("gap", uint64(len(events)+1), "Z", fmt.Sprintf("-%d", debit), price("1"))
			_, err := Reconstruct(append(events, gap), nil)
			var neg *apperrors.NegativeHoldingError
			return errors.As(err, &neg) && neg.TokenMint == "Z" && neg.Requested.Equal(decimal.NewFromInt(int64(debit)))
		},
		steps,
		gen.IntRange(1, 50),
	))

	properties.Property("batching does not change the final snapshot", prop.ForAll(
		func(s []int, batch int) bool {
			events := gaplessEvents(s)
			single, err1 := Reconstruct(events, nil)
			batched, err2 := Reconstruct(events, nil, WithBatchSize(batch))
			if err1 != nil || err2 != nil {
				return false
			}
			a, b := Latest(single, nil), Latest(batched, nil)
			if a == nil || b == nil {
				return a == nil && b == nil
			}
			if a.AsOf != b.AsOf || len(a.Holdings) != len(b.Holdings) || !a.CumulativeRealizedGain.Equal(b.CumulativeRealizedGain) {
				return false
			}
			for mint, h := range a.Holdings {
				if !h.Quantity.Equal(b.Holdings[mint].Quantity) {
					return false
				}
			}
			return true
		},
		steps,
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
