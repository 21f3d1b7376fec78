// Package reconstructor folds normalized chain events into point-in-time
// portfolio snapshots using weighted-average-cost accounting.
package reconstructor

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

type options struct {
	batchSize int
	openings  map[string]decimal.Decimal
}

// Option configures a reconstruction
type Option func(*options)

// WithBatchSize emits one snapshot per n events instead of one per event.
// A trailing partial batch is always emitted.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithOpeningBalances seeds zero-cost quantities before the first event.
// Callers use it to paper over credits missing from the chain history.
func WithOpeningBalances(openings map[string]decimal.Decimal) Option {
	return func(o *options) {
		o.openings = openings
	}
}

// Reconstruct folds events forward from base (or an empty portfolio).
// Events must be in canonical order and strictly after base.AsOf.
func Reconstruct(events []models.ChainEvent, base *models.PortfolioSnapshot, opts ...Option) ([]*models.PortfolioSnapshot, error) {
	o := options{batchSize: 1}
	for _, opt := range opts {
		opt(&o)
	}

	f := newFolder(base, events)
	for mint, qty := range o.openings {
		if qty.IsPositive() {
			f.credit(mint, qty, decimal.Zero)
		}
	}

	snapshots := make([]*models.PortfolioSnapshot, 0, len(events)/o.batchSize+1)
	inBatch := 0
	for i := range events {
		if err := f.apply(&events[i]); err != nil {
			return nil, err
		}
		inBatch++
		if inBatch == o.batchSize {
			snapshots = append(snapshots, f.snapshot())
			inBatch = 0
		}
	}
	if inBatch > 0 {
		snapshots = append(snapshots, f.snapshot())
	}
	return snapshots, nil
}

// folder is the mutable working state of one reconstruction
type folder struct {
	wallet     string
	holdings   map[string]models.Holding
	cumulative decimal.Decimal
	batchGain  decimal.Decimal
	fees       decimal.Decimal
	count      int

	hasBase bool
	baseKey types.OrderingKey
	last    *models.ChainEvent
	lastKey types.OrderingKey
	lastTs  time.Time
}

func newFolder(base *models.PortfolioSnapshot, events []models.ChainEvent) *folder {
	f := &folder{
		holdings:   make(map[string]models.Holding),
		cumulative: decimal.Zero,
		batchGain:  decimal.Zero,
		fees:       decimal.Zero,
	}
	if base != nil {
		f.wallet = base.Wallet
		f.holdings = models.CloneHoldings(base.Holdings)
		f.cumulative = base.CumulativeRealizedGain
		f.fees = base.FeesPaid
		f.count = base.EventCount
		f.hasBase = true
		f.baseKey = base.AsOf
		f.lastKey = base.AsOf
		f.lastTs = base.Timestamp
	} else if len(events) > 0 {
		f.wallet = events[0].Wallet
	}
	return f
}

func (f *folder) apply(e *models.ChainEvent) error {
	if e.Wallet != f.wallet {
		return &apperrors.MalformedEventError{EventID: e.EventID, Field: "wallet", Reason: "event belongs to wallet " + e.Wallet}
	}
	if f.hasBase && !f.baseKey.Less(e.Key) {
		return &apperrors.MalformedEventError{EventID: e.EventID, Field: "ordering_key", Reason: "event is not after the base snapshot " + f.baseKey.String()}
	}
	if f.last != nil && !f.last.Before(*e) {
		return &apperrors.MalformedEventError{EventID: e.EventID, Field: "ordering_key", Reason: "events are not in canonical order"}
	}

	var err error
	switch e.Kind {
	case types.KindTransfer, types.KindStakeDelta:
		err = f.delta(e, e.TokenMint, e.Amount, e.Price, false)
	case types.KindSwap:
		err = f.swap(e)
	case types.KindFeePayment:
		err = f.delta(e, e.TokenMint, e.Amount.Abs().Neg(), e.Price, true)
	default:
		err = &apperrors.MalformedEventError{EventID: e.EventID, Field: "kind", Reason: "unsupported kind " + string(e.Kind)}
	}
	if err != nil {
		return err
	}

	f.count++
	f.last = e
	f.lastKey = e.Key
	// skewed or missing timestamps inherit the previous one
	if !e.Timestamp.IsZero() && !e.Timestamp.Before(f.lastTs) {
		f.lastTs = e.Timestamp
	}
	return nil
}

// swap applies the debit leg first so a short source leg fails before any credit.
// A leg without a price takes the price implied by the other leg.
func (f *folder) swap(e *models.ChainEvent) error {
	price, counterPrice := e.Price, e.CounterPrice
	if !price.Valid && counterPrice.Valid && !e.Amount.IsZero() {
		implied := e.CounterAmount.Abs().Mul(counterPrice.Decimal).Div(e.Amount.Abs())
		price = decimal.NewNullDecimal(implied)
	}
	if !counterPrice.Valid && price.Valid && !e.CounterAmount.IsZero() {
		implied := e.Amount.Abs().Mul(price.Decimal).Div(e.CounterAmount.Abs())
		counterPrice = decimal.NewNullDecimal(implied)
	}

	type leg struct {
		mint   string
		amount decimal.Decimal
		price  decimal.NullDecimal
	}
	legs := []leg{{e.TokenMint, e.Amount, price}, {e.CounterMint, e.CounterAmount, counterPrice}}
	if legs[0].amount.IsPositive() {
		legs[0], legs[1] = legs[1], legs[0]
	}
	for _, l := range legs {
		if err := f.delta(e, l.mint, l.amount, l.price, false); err != nil {
			return err
		}
	}
	return nil
}

func (f *folder) delta(e *models.ChainEvent, mint string, amount decimal.Decimal, price decimal.NullDecimal, fee bool) error {
	switch {
	case amount.IsPositive():
		p := decimal.Zero
		if price.Valid {
			p = price.Decimal
		}
		f.credit(mint, amount, p)
		return nil
	case amount.IsNegative():
		return f.debit(e, mint, amount.Neg(), price, fee)
	default:
		return nil
	}
}

func (f *folder) credit(mint string, qty, price decimal.Decimal) {
	h, ok := f.holdings[mint]
	if !ok {
		h = models.Holding{TokenMint: mint, Quantity: decimal.Zero, CostBasis: decimal.Zero}
	}
	newQty := h.Quantity.Add(qty)
	h.CostBasis = h.Quantity.Mul(h.CostBasis).Add(qty.Mul(price)).Div(newQty)
	h.Quantity = newQty
	f.holdings[mint] = h
}

func (f *folder) debit(e *models.ChainEvent, mint string, qty decimal.Decimal, price decimal.NullDecimal, fee bool) error {
	h, ok := f.holdings[mint]
	if !ok {
		h = models.Holding{TokenMint: mint, Quantity: decimal.Zero, CostBasis: decimal.Zero}
	}
	if h.Quantity.LessThan(qty) {
		return &apperrors.NegativeHoldingError{
			Wallet:    f.wallet,
			TokenMint: mint,
			EventID:   e.EventID,
			Key:       e.Key,
			Available: h.Quantity,
			Requested: qty,
		}
	}

	// fees leave at cost basis and realize nothing
	switch {
	case fee:
		f.fees = f.fees.Add(qty.Mul(h.CostBasis))
	case price.Valid:
		gain := qty.Mul(price.Decimal.Sub(h.CostBasis))
		f.batchGain = f.batchGain.Add(gain)
		f.cumulative = f.cumulative.Add(gain)
	}

	h.Quantity = h.Quantity.Sub(qty)
	if h.Quantity.IsZero() {
		delete(f.holdings, mint)
		return nil
	}
	f.holdings[mint] = h
	return nil
}

func (f *folder) snapshot() *models.PortfolioSnapshot {
	snap := &models.PortfolioSnapshot{
		Wallet:                 f.wallet,
		AsOf:                   f.lastKey,
		Timestamp:              f.lastTs,
		Holdings:               models.CloneHoldings(f.holdings),
		RealizedGain:           f.batchGain,
		CumulativeRealizedGain: f.cumulative,
		FeesPaid:               f.fees,
		EventCount:             f.count,
	}
	f.batchGain = decimal.Zero
	return snap
}

// Latest returns the last snapshot or base when nothing was folded
func Latest(snapshots []*models.PortfolioSnapshot, base *models.PortfolioSnapshot) *models.PortfolioSnapshot {
	if len(snapshots) == 0 {
		return base
	}
	return snapshots[len(snapshots)-1]
}

// GapMints lists the mints of an opening-balance map in lexical order
func GapMints(openings map[string]decimal.Decimal) []string {
	mints := make([]string, 0, len(openings))
	for m := range openings {
		mints = append(mints, m)
	}
	sort.Strings(mints)
	return mints
}
