package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/broker"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/types"
)

var hundred = decimal.NewFromInt(100)

// SimulatedConfig holds configuration for the simulated exchange.
type SimulatedConfig struct {
	Symbol         types.Symbol
	InitialBalance decimal.Decimal
	SlippagePct    decimal.Decimal // percent of price, 0.05 = 0.05%
	Funding        FundingSource   // nil disables funding

	// NoExecutionPush makes the simulator behave like an exchange without
	// fill notifications; the engine must diff OrderHistory.
	NoExecutionPush bool
}

// Simulator is a deterministic exchange matching orders against OHLC
// sub-bars. It implements broker.Exchange.
type Simulator struct {
	cfg    SimulatedConfig
	logger *slog.Logger

	mu       sync.Mutex
	orders   []*types.Order // every order ever placed, placement order
	byID     map[string]*types.Order
	handler  broker.ExecutionHandler
	position types.AccountPosition
	ledger   Ledger
	now      time.Time
	funded   time.Time // funding is settled up to here
	mark     decimal.Decimal
	nextID   int64
}

// NewSimulator creates a simulator.
func NewSimulator(cfg SimulatedConfig, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		cfg:    cfg,
		logger: logger,
		byID:   make(map[string]*types.Order),
		ledger: Ledger{Initial: cfg.InitialBalance},
	}
}

// Symbol returns the traded symbol.
func (s *Simulator) Symbol() types.Symbol {
	return s.cfg.Symbol
}

// HandlesExecutions reports whether fills are pushed to the handler.
func (s *Simulator) HandlesExecutions() bool {
	return !s.cfg.NoExecutionPush
}

// SetExecutionHandler sets the callback for fills.
func (s *Simulator) SetExecutionHandler(h broker.ExecutionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Now returns the time of the current sub-tick.
func (s *Simulator) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SendOrder places an order. It is matched from the next sub-tick on.
func (s *Simulator) SendOrder(ctx context.Context, o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.Amount.IsZero() {
		return &types.Error{Kind: types.KindContract, Op: "send " + o.ID, Err: types.ErrZeroAmount}
	}
	if _, exists := s.byID[o.ID]; exists {
		return fmt.Errorf("send %s: %w", o.ID, types.ErrDuplicateOrder)
	}

	s.nextID++
	o.ExchangeID = fmt.Sprintf("SIM-%d", s.nextID)
	o.Active = true
	o.PlacedAt = s.now

	c := o.Clone()
	s.orders = append(s.orders, c)
	s.byID[c.ID] = c

	s.logger.Debug("sim order placed", "order", c.String())
	return nil
}

// UpdateOrder amends stop, limit and amount of an active order.
func (s *Simulator) UpdateOrder(ctx context.Context, o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[o.ID]
	if !ok || !cur.Active {
		return fmt.Errorf("update %s: %w", o.ID, types.ErrOrderNotFound)
	}
	if err := cur.SetAmount(o.Amount); err != nil {
		return err
	}
	cur.StopPrice = o.StopPrice
	cur.LimitPrice = o.LimitPrice
	return nil
}

// CancelOrder cancels an active order.
func (s *Simulator) CancelOrder(ctx context.Context, o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[o.ID]
	if !ok || !cur.Active {
		return fmt.Errorf("cancel %s: %w", o.ID, types.ErrOrderNotFound)
	}
	cur.Active = false
	o.Active = false
	return nil
}

// Account returns wallet, equity and the net position at the last mark.
func (s *Simulator) Account(ctx context.Context) (types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet := s.ledger.Wallet()
	return types.Account{
		WalletBalance: wallet,
		Equity:        wallet.Add(s.unrealizedLocked()),
		Position:      s.position,
		UpdatedAt:     s.now,
	}, nil
}

// OpenOrders returns copies of the active orders.
func (s *Simulator) OpenOrders(ctx context.Context) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Order
	for _, o := range s.orders {
		if o.Active {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// OrderHistory returns copies of every order, oldest first.
func (s *Simulator) OrderHistory(ctx context.Context) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Order, len(s.orders))
	for i, o := range s.orders {
		out[i] = o.Clone()
	}
	return out, nil
}

// Ledger returns the cash accounting.
func (s *Simulator) Ledger() Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger
}

// Unrealized returns the mark-to-market P&L of the open position.
func (s *Simulator) Unrealized() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unrealizedLocked()
}

// Exposure returns the notional of the open position at the last mark.
func (s *Simulator) Exposure() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Notional(s.position.Quantity, s.mark, s.cfg.Symbol.Inverse)
}

func (s *Simulator) unrealizedLocked() decimal.Decimal {
	q := s.position.Quantity
	if q.IsZero() || s.mark.IsZero() {
		return decimal.Zero
	}
	inv := s.cfg.Symbol.Inverse
	return types.ContractValue(q, s.mark, inv).Sub(types.ContractValue(q, s.position.AvgEntryPrice, inv))
}

// ProcessTick advances the simulator to sub and matches every order that
// was active before the call. Funding falling between the previous tick and
// sub is settled first, once per instant.
// Fills are pushed to the execution handler after matching and returned.
// Every fill triggers a re-scan, and exits of a position closed by an
// earlier fill in the same tick no longer match.
func (s *Simulator) ProcessTick(sub *types.Bar) []types.Execution {
	s.mu.Lock()
	s.now = sub.Timestamp
	s.applyFundingLocked(sub.Timestamp, sub.Open)

	var eligible []*types.Order
	for _, o := range s.orders {
		if o.Active {
			eligible = append(eligible, o)
		}
	}

	var fills []types.Execution
	for {
		candidates := sortCandidates(eligible, sub.Close)
		filled := false
		for _, o := range candidates {
			if !s.reducesLocked(o) {
				continue
			}
			if exec, ok := s.tryExecute(o, sub); ok {
				fills = append(fills, exec)
				filled = true
				break
			}
		}
		if !filled {
			break
		}
	}
	s.mark = sub.Close
	handler := s.handler
	push := !s.cfg.NoExecutionPush
	s.mu.Unlock()

	if push && handler != nil {
		for _, e := range fills {
			handler(e)
		}
	}
	return fills
}

// sortCandidates orders active orders by distance of their trigger price to
// the reference price, market orders first.
func sortCandidates(orders []*types.Order, ref decimal.Decimal) []*types.Order {
	var out []*types.Order
	for _, o := range orders {
		if o.Active {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := out[i].IsMarket(), out[j].IsMarket()
		if mi != mj {
			return mi
		}
		if mi {
			return false
		}
		di := out[i].TriggerPrice().Sub(ref).Abs()
		dj := out[j].TriggerPrice().Sub(ref).Abs()
		return di.LessThan(dj)
	})
	return out
}

// reducesLocked reports whether a closing order still has exposure to
// close. Once one exit of a position fills, its sibling exits stay unfilled
// until the engine cancels them. A position is measured on its own fills;
// one that never entered here, adopted from untracked quantity, on the net
// position. Orders without a decodable id are not restricted.
func (s *Simulator) reducesLocked(o *types.Order) bool {
	posID, role, err := ident.Decode(o.ID)
	if err != nil || role == types.RoleEntry {
		return true
	}

	var held decimal.Decimal
	entered := false
	for _, x := range s.orders {
		if x.ExecutedAmount.IsZero() {
			continue
		}
		xPos, xRole, err := ident.Decode(x.ID)
		if err != nil || xPos != posID {
			continue
		}
		entered = entered || xRole == types.RoleEntry
		held = held.Add(x.ExecutedAmount)
	}
	if !entered {
		held = s.position.Quantity
	}
	return !held.IsZero() && held.Sign() != o.Amount.Sign()
}

// tryExecute applies the trigger and fill rules to one order.
func (s *Simulator) tryExecute(o *types.Order, bar *types.Bar) (types.Execution, bool) {
	buy := o.Amount.IsPositive()
	taker := s.cfg.Symbol.TakerFee
	maker := s.cfg.Symbol.MakerFee

	if o.IsMarket() {
		return s.fill(o, s.slipped(bar.Open, buy, bar), taker), true
	}

	if !o.StopPrice.IsZero() && !o.StopTriggered {
		triggered := (buy && bar.High.GreaterThanOrEqual(o.StopPrice)) ||
			(!buy && bar.Low.LessThanOrEqual(o.StopPrice))
		if !triggered {
			return types.Execution{}, false
		}
		if o.LimitPrice.IsZero() {
			return s.fill(o, s.slipped(bar.Open, buy, bar), taker), true
		}
		o.StopTriggered = true
		beyond := (buy && bar.Close.GreaterThan(o.LimitPrice)) ||
			(!buy && bar.Close.LessThan(o.LimitPrice))
		if beyond {
			return s.fill(o, s.slipped(o.StopPrice, buy, bar), taker), true
		}
	}

	if o.LimitPrice.IsZero() {
		return types.Execution{}, false
	}
	if (buy && bar.Low.LessThan(o.LimitPrice)) || (!buy && bar.High.GreaterThan(o.LimitPrice)) {
		return s.fill(o, o.LimitPrice, maker), true
	}
	return types.Execution{}, false
}

// slipped moves ref against the order by the slippage percent, snaps it to
// the tick grid and clamps it into the bar range.
func (s *Simulator) slipped(ref decimal.Decimal, buy bool, bar *types.Bar) decimal.Decimal {
	slip := s.cfg.SlippagePct.Div(hundred)
	var price decimal.Decimal
	if buy {
		price = ref.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = ref.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	price = s.cfg.Symbol.NormalizePrice(price, buy)
	if price.GreaterThan(bar.High) {
		price = bar.High
	}
	if price.LessThan(bar.Low) {
		price = bar.Low
	}
	return price
}

func (s *Simulator) fill(o *types.Order, price, feeRate decimal.Decimal) types.Execution {
	amount := o.Remaining()
	inv := s.cfg.Symbol.Inverse

	fee := types.Notional(amount, price, inv).Mul(feeRate)
	s.ledger.Fees = s.ledger.Fees.Add(fee)
	pnl := s.bookLocked(amount, price)

	o.ExecutedAmount = o.Amount
	o.ExecutedPrice = price
	o.ExecutedAt = s.now
	o.Active = false

	s.logger.Debug("sim fill",
		"order_id", o.ID,
		"amount", amount,
		"price", price,
		"fee", fee,
		"realized", pnl,
		"position", s.position.Quantity,
	)

	return types.Execution{
		OrderID:    o.ID,
		ExchangeID: o.ExchangeID,
		Amount:     amount,
		Price:      price,
		Timestamp:  s.now,
	}
}

// bookLocked applies a fill to the net position and returns realized P&L.
// A fill crossing zero is split into a close of the old amount and an open
// of the residual.
func (s *Simulator) bookLocked(amount, price decimal.Decimal) decimal.Decimal {
	inv := s.cfg.Symbol.Inverse
	q := s.position.Quantity

	if q.IsZero() || q.Sign() == amount.Sign() {
		s.position.AvgEntryPrice = averageEntry(q, s.position.AvgEntryPrice, amount, price, inv)
		s.position.Quantity = q.Add(amount)
		return decimal.Zero
	}

	closing := amount
	if amount.Abs().GreaterThan(q.Abs()) {
		closing = q.Neg()
	}
	closed := closing.Neg()
	pnl := types.ContractValue(closed, price, inv).Sub(types.ContractValue(closed, s.position.AvgEntryPrice, inv))
	s.ledger.Realized = s.ledger.Realized.Add(pnl)

	s.position.Quantity = q.Add(closing)
	if residual := amount.Sub(closing); !residual.IsZero() {
		s.position.Quantity = residual
		s.position.AvgEntryPrice = price
	} else if s.position.Quantity.IsZero() {
		s.position.AvgEntryPrice = decimal.Zero
	}
	return pnl
}

// averageEntry is amount weighted for linear contracts and harmonic for
// inverse ones, so that the contract value of the sum is preserved.
func averageEntry(q, avg, add, price decimal.Decimal, inverse bool) decimal.Decimal {
	if q.IsZero() || avg.IsZero() {
		return price
	}
	qa, aa := q.Abs(), add.Abs()
	if inverse {
		return qa.Add(aa).Div(qa.Div(avg).Add(aa.Div(price)))
	}
	return qa.Mul(avg).Add(aa.Mul(price)).Div(qa.Add(aa))
}

// applyFundingLocked settles every funding instant after the last settled
// one up to now. The first tick only covers its own timestamp.
func (s *Simulator) applyFundingLocked(now time.Time, mark decimal.Decimal) {
	if s.cfg.Funding == nil {
		return
	}
	from := s.funded
	if from.IsZero() {
		from = now.Add(-time.Nanosecond)
	}
	if !now.After(from) {
		return
	}
	s.funded = now
	if s.position.Quantity.IsZero() {
		return
	}

	notional := types.Notional(s.position.Quantity, mark, s.cfg.Symbol.Inverse)
	sign := decimal.NewFromInt(int64(s.position.Quantity.Sign()))
	for _, ev := range s.cfg.Funding.Due(from, now) {
		payment := ev.Rate.Mul(notional).Mul(sign).Neg()
		s.ledger.Funding = s.ledger.Funding.Add(payment)

		s.logger.Debug("sim funding",
			"time", ev.At,
			"rate", ev.Rate,
			"payment", payment,
		)
	}
}

// ForceClose closes any residual position at price without an order and
// returns the realized P&L. Used at the end of a backtest.
func (s *Simulator) ForceClose(price decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.position.Quantity
	if q.IsZero() {
		return decimal.Zero
	}
	fee := types.Notional(q, price, s.cfg.Symbol.Inverse).Mul(s.cfg.Symbol.TakerFee)
	s.ledger.Fees = s.ledger.Fees.Add(fee)
	pnl := s.bookLocked(q.Neg(), price)
	s.mark = price

	s.logger.Info("force closed residual position",
		"amount", q,
		"price", price,
		"realized", pnl,
	)
	return pnl
}

var _ broker.Exchange = (*Simulator)(nil)
