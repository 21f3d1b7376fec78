// Package normalizer turns untrusted chain records into the canonical,
// deduplicated and totally ordered event sequence the rest of the pipeline folds.
package normalizer

import (
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

// Normalize parses, deduplicates and orders raw records.
// It is deterministic and idempotent: duplicated or reordered input yields the same sequence.
func Normalize(raw []models.RawChainRecord) ([]models.ChainEvent, error) {
	events := make([]models.ChainEvent, 0, len(raw))
	for i := range raw {
		ev, err := parseRecord(&raw[i])
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return canonicalize(events)
}

// Merge combines an already normalized sequence with newly normalized events
func Merge(existing, incoming []models.ChainEvent) ([]models.ChainEvent, error) {
	all := make([]models.ChainEvent, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)
	return canonicalize(all)
}

// Frontier returns the ordering key of the last event, or the zero key
func Frontier(events []models.ChainEvent) types.OrderingKey {
	if len(events) == 0 {
		return types.OrderingKey{}
	}
	return events[len(events)-1].Key
}

// Fingerprint hashes the immutable fields of an event.
// Timestamps are excluded since sources disagree on them.
func Fingerprint(e *models.ChainEvent) uint64 {
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.WriteString("\x1f")
	}
	write(e.EventID)
	write(e.Wallet)
	write(e.Key.String())
	write(string(e.Kind))
	write(e.TokenMint)
	write(e.Amount.String())
	write(nullString(e.Price))
	write(e.CounterMint)
	write(e.CounterAmount.String())
	write(nullString(e.CounterPrice))
	write(strings.Join(e.Counterparties, ","))
	return d.Sum64()
}

func canonicalize(events []models.ChainEvent) ([]models.ChainEvent, error) {
	type seenEntry struct {
		pos int
		fp  uint64
	}
	seen := make(map[string]seenEntry, len(events))
	out := make([]models.ChainEvent, 0, len(events))

	for i := range events {
		ev := events[i]
		fp := Fingerprint(&ev)
		prev, ok := seen[ev.EventID]
		if !ok {
			seen[ev.EventID] = seenEntry{pos: len(out), fp: fp}
			out = append(out, ev)
			continue
		}
		if prev.fp != fp {
			return nil, &apperrors.ConflictingEventError{
				EventID: ev.EventID,
				Field:   firstDifference(&out[prev.pos], &ev),
			}
		}
		// keep the earliest known timestamp so the result does not depend on input order
		kept := &out[prev.pos]
		if !ev.Timestamp.IsZero() && (kept.Timestamp.IsZero() || ev.Timestamp.Before(kept.Timestamp)) {
			kept.Timestamp = ev.Timestamp
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Before(out[j])
	})
	return out, nil
}

func parseRecord(r *models.RawChainRecord) (models.ChainEvent, error) {
	id := strings.TrimSpace(r.EventID)
	malformed := func(field, reason string) error {
		return &apperrors.MalformedEventError{EventID: id, Field: field, Reason: reason}
	}

	if id == "" {
		return models.ChainEvent{}, malformed("event_id", "missing")
	}
	wallet := strings.TrimSpace(r.Wallet)
	if wallet == "" {
		return models.ChainEvent{}, malformed("wallet", "missing")
	}
	if !r.HasSlot {
		return models.ChainEvent{}, malformed("slot", "missing")
	}
	if strings.TrimSpace(r.Kind) == "" {
		return models.ChainEvent{}, malformed("kind", "missing")
	}
	kind, ok := types.ParseEventKind(r.Kind)
	if !ok {
		return models.ChainEvent{}, malformed("kind", "unknown kind "+r.Kind)
	}
	mint := strings.TrimSpace(r.TokenMint)
	if mint == "" {
		return models.ChainEvent{}, malformed("token_mint", "missing")
	}
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return models.ChainEvent{}, malformed("amount", err.Error())
	}
	price, err := parsePrice(r.Price)
	if err != nil {
		return models.ChainEvent{}, malformed("price", err.Error())
	}

	ev := models.ChainEvent{
		EventID:        id,
		Wallet:         wallet,
		Timestamp:      normalizeTime(r.Timestamp),
		Key:            types.OrderingKey{Slot: r.Slot, Index: r.Index},
		Kind:           kind,
		TokenMint:      mint,
		Amount:         amount,
		Price:          price,
		Counterparties: canonicalCounterparties(r.Counterparties),
	}

	if kind != types.KindSwap {
		return ev, nil
	}

	ev.CounterMint = strings.TrimSpace(r.CounterMint)
	if ev.CounterMint == "" {
		return models.ChainEvent{}, malformed("counter_mint", "missing for swap")
	}
	if ev.CounterMint == mint {
		return models.ChainEvent{}, malformed("counter_mint", "swap legs use the same mint")
	}
	if ev.CounterAmount, err = parseAmount(r.CounterAmount); err != nil {
		return models.ChainEvent{}, malformed("counter_amount", err.Error())
	}
	if ev.CounterPrice, err = parsePrice(r.CounterPrice); err != nil {
		return models.ChainEvent{}, malformed("counter_price", err.Error())
	}
	if amount.Sign()*ev.CounterAmount.Sign() >= 0 {
		return models.ChainEvent{}, malformed("counter_amount", "swap legs must have opposite signs")
	}
	return ev, nil
}

type parseError string

func (e parseError) Error() string { return string(e) }

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, parseError("missing")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, parseError("not a fixed-point number: " + s)
	}
	return d, nil
}

func parsePrice(s string) (decimal.NullDecimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, parseError("not a fixed-point number: " + s)
	}
	if d.IsNegative() {
		return decimal.NullDecimal{}, parseError("negative price " + s)
	}
	return decimal.NewNullDecimal(d), nil
}

func canonicalCounterparties(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(in))
	for _, c := range in {
		if c = strings.TrimSpace(c); c != "" {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

func firstDifference(a, b *models.ChainEvent) string {
	switch {
	case a.Wallet != b.Wallet:
		return "wallet"
	case a.Key != b.Key:
		return "ordering_key"
	case a.Kind != b.Kind:
		return "kind"
	case a.TokenMint != b.TokenMint:
		return "token_mint"
	case !a.Amount.Equal(b.Amount):
		return "amount"
	case nullString(a.Price) != nullString(b.Price):
		return "price"
	case a.CounterMint != b.CounterMint:
		return "counter_mint"
	case !a.CounterAmount.Equal(b.CounterAmount):
		return "counter_amount"
	case nullString(a.CounterPrice) != nullString(b.CounterPrice):
		return "counter_price"
	default:
		return "counterparties"
	}
}

// ToRaw renders a canonical event back into the raw record form
func ToRaw(e models.ChainEvent) models.RawChainRecord {
	r := models.RawChainRecord{
		EventID:        e.EventID,
		Wallet:         e.Wallet,
		Timestamp:      e.Timestamp,
		Slot:           e.Key.Slot,
		HasSlot:        true,
		Index:          e.Key.Index,
		Kind:           string(e.Kind),
		TokenMint:      e.TokenMint,
		Amount:         e.Amount.String(),
		Counterparties: append([]string(nil), e.Counterparties...),
	}
	if e.Price.Valid {
		r.Price = e.Price.Decimal.String()
	}
	if e.Kind == types.KindSwap {
		r.CounterMint = e.CounterMint
		r.CounterAmount = e.CounterAmount.String()
		if e.CounterPrice.Valid {
			r.CounterPrice = e.CounterPrice.Decimal.String()
		}
	}
	return r
}
