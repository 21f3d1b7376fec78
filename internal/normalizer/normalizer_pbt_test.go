package normalizer

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wallet-insight/internal/models"
)

// recordsFrom builds raw records from generated seeds. Equal seeds produce
// identical records, so the generated input naturally contains duplicates.
func recordsFrom(seeds []int) []models.RawChainRecord {
	out := make([]models.RawChainRecord, 0, len(seeds))
	for _, n := range seeds {
		out = append(out, rec(
			fmt.Sprintf("evt-%03d", n),
			uint64(n%7),
			uint32(n%3),
			fmt.Sprintf("%d.%d", n, n%10),
		))
	}
	return out
}

func reversed(in []models.RawChainRecord) []models.RawChainRecord {
	out := make([]models.RawChainRecord, len(in))
	for i := range in {
		out[len(in)-1-i] = in[i]
	}
	return out
}

func sameSequence(a, b []models.ChainEvent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].EventID != b[i].EventID || Fingerprint(&a[i]) != Fingerprint(&b[i]) {
			return false
		}
	}
	return true
}

func TestNormalizeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	seeds := gen.SliceOf(gen.IntRange(0, 40))

	properties.Property("normalize is idempotent over duplicated and reordered input", prop.ForAll(
		func(s []int) bool {
			raw := recordsFrom(s)
			once, err := Normalize(raw)
			if err != nil {
				return false
			}
			doubled := append(reversed(raw), raw...)
			again, err := Normalize(doubled)
			if err != nil {
				return false
			}
			back := make([]models.RawChainRecord, 0, len(once))
			for _, e := range once {
				back = append(back, ToRaw(e))
			}
			twice, err := Normalize(back)
			if err != nil {
				return false
			}
			return sameSequence(once, again) && sameSequence(once, twice)
		},
		seeds,
	))

	properties.Property("normalized output is ordered by ordering key", prop.ForAll(
		func(s []int) bool {
			events, err := Normalize(recordsFrom(s))
			if err != nil {
				return false
			}
			for i := 1; i < len(events); i++ {
				prev, cur := events[i-1], events[i]
				if cur.Key.Less(prev.Key) {
					return false
				}
				if cur.Key == prev.Key && cur.EventID <= prev.EventID {
					return false
				}
			}
			return true
		},
		seeds,
	))

	properties.Property("every event id appears once", prop.ForAll(
		func(s []int) bool {
			events, err := Normalize(recordsFrom(s))
			if err != nil {
				return false
			}
			distinct := make(map[int]struct{})
			for _, n := range s {
				distinct[n] = struct{}{}
			}
			return len(events) == len(distinct)
		},
		seeds,
	))

	properties.TestingRun(t)
}
