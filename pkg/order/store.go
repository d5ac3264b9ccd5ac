package order

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/timborden/gateway/pkg/util"
)

var (
	ErrDuplicateOrder    = errors.New("duplicate client order id")
	ErrTerminalState     = errors.New("order is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNegativeFill      = errors.New("fill delta must not be negative")
	ErrOverfill          = errors.New("filled amount exceeds original amount")
	ErrAlreadyAssigned   = errors.New("exchange order id already assigned")
	ErrExchangeIDTaken   = errors.New("exchange order id belongs to another order")
)

// Persister durably records every committed mutation. SaveRecords writes
// all records or none.
type Persister interface {
	SaveRecord(Record) error
	SaveRecords([]Record) error
}

type Option func(*Store)

func WithPersister(p Persister) Option { return func(s *Store) { s.persist = p } }

// WithObserver registers fn to receive a copy of each record after it changes.
// Observers run outside the store lock but in commit order, so they must not
// call back into the store.
func WithObserver(fn func(Record)) Option {
	return func(s *Store) { s.observers = append(s.observers, fn) }
}

func WithClock(c util.Clock) Option { return func(s *Store) { s.clock = c } }

// Store is the order tracking store: records keyed by client order id with a
// secondary index on exchange order id. Records are never removed.
type Store struct {
	mu         sync.RWMutex
	notifyMu   sync.Mutex // taken before mu is released; orders observer calls
	byClient   map[string]*Record
	byExchange map[string]string // exchange id -> client id

	persist   Persister
	observers []func(Record)
	clock     util.Clock
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		byClient:   make(map[string]*Record),
		byExchange: make(map[string]string),
		clock:      util.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads previously persisted records without re-persisting them.
func (s *Store) Restore(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range records {
		r := records[i]
		if _, exists := s.byClient[r.ClientOrderID]; exists {
			return fmt.Errorf("restore %s: %w", r.ClientOrderID, ErrDuplicateOrder)
		}
		if r.ExchangeOrderID != "" {
			if owner, taken := s.byExchange[r.ExchangeOrderID]; taken {
				return fmt.Errorf("restore %s: exchange id %s held by %s: %w",
					r.ClientOrderID, r.ExchangeOrderID, owner, ErrExchangeIDTaken)
			}
			s.byExchange[r.ExchangeOrderID] = r.ClientOrderID
		}
		s.byClient[r.ClientOrderID] = &r
	}
	return nil
}

// Add creates a PENDING record. An existing client id is left untouched.
func (s *Store) Add(o NewOrder) (Record, error) {
	recs, err := s.AddBatch([]NewOrder{o})
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

// AddBatch creates PENDING records for all orders or for none of them.
func (s *Store) AddBatch(orders []NewOrder) ([]Record, error) {
	now := s.clock.Now().UnixMilli()
	recs := make([]Record, 0, len(orders))
	for _, o := range orders {
		recs = append(recs, Record{
			ClientOrderID:  o.ClientOrderID,
			Owner:          o.Owner,
			Market:         o.Market,
			Side:           o.Side,
			Price:          o.Price,
			OriginalAmount: o.Amount,
			FilledAmount:   decimal.Zero,
			Leverage:       o.Leverage,
			Status:         Pending,
			ExpiryToken:    o.ExpiryToken,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	s.mu.Lock()
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		_, exists := s.byClient[r.ClientOrderID]
		_, dup := seen[r.ClientOrderID]
		if exists || dup {
			s.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", r.ClientOrderID, ErrDuplicateOrder)
		}
		seen[r.ClientOrderID] = struct{}{}
	}
	if err := s.saveAll(recs); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for i := range recs {
		r := recs[i]
		s.byClient[r.ClientOrderID] = &r
	}
	s.release(recs...)
	return recs, nil
}

func (s *Store) GetByClientID(clientID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byClient[clientID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (s *Store) GetByExchangeID(exchangeID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clientID, ok := s.byExchange[exchangeID]
	if !ok {
		return Record{}, false
	}
	return *s.byClient[clientID], true
}

// UpdateStatus moves the record to status and adds filledDelta to its filled
// amount. It reports false with no error when the client id is unknown.
func (s *Store) UpdateStatus(clientID string, status Status, filledDelta decimal.Decimal) (bool, error) {
	return s.mutate(clientID, func(r *Record) error {
		return applyTransition(r, status, filledDelta)
	})
}

// UpdateStatusByExchangeID is UpdateStatus addressed by exchange order id.
func (s *Store) UpdateStatusByExchangeID(exchangeID string, status Status, filledDelta decimal.Decimal) (bool, error) {
	s.mu.RLock()
	clientID, ok := s.byExchange[exchangeID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return s.UpdateStatus(clientID, status, filledDelta)
}

// SetTxHash records the hash of the transaction that carried the order.
func (s *Store) SetTxHash(clientID, hash string) (bool, error) {
	return s.mutate(clientID, func(r *Record) error {
		r.TxHash = hash
		return nil
	})
}

func applyTransition(r *Record, status Status, delta decimal.Decimal) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%s is %s: %w", r.ClientOrderID, r.Status, ErrTerminalState)
	}
	if delta.IsNegative() {
		return fmt.Errorf("%s delta %s: %w", r.ClientOrderID, delta, ErrNegativeFill)
	}
	if !CanTransition(r.Status, status) {
		return fmt.Errorf("%s %s -> %s: %w", r.ClientOrderID, r.Status, status, ErrInvalidTransition)
	}
	filled := r.FilledAmount.Add(delta)
	if filled.GreaterThan(r.OriginalAmount) {
		return fmt.Errorf("%s filled %s of %s: %w", r.ClientOrderID, filled, r.OriginalAmount, ErrOverfill)
	}
	r.Status = status
	r.FilledAmount = filled
	return nil
}

// AssignExchangeID sets the exchange id exactly once per record.
func (s *Store) AssignExchangeID(clientID, exchangeID string) error {
	if exchangeID == "" {
		return fmt.Errorf("%s: empty exchange order id", clientID)
	}

	s.mu.Lock()
	cur, ok := s.byClient[clientID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if cur.ExchangeOrderID != "" {
		s.mu.Unlock()
		return fmt.Errorf("%s already has %s: %w", clientID, cur.ExchangeOrderID, ErrAlreadyAssigned)
	}
	if holder, taken := s.byExchange[exchangeID]; taken {
		s.mu.Unlock()
		return fmt.Errorf("%s held by %s: %w", exchangeID, holder, ErrExchangeIDTaken)
	}
	next := *cur
	next.ExchangeOrderID = exchangeID
	next.UpdatedAt = s.clock.Now().UnixMilli()
	if err := s.save(next); err != nil {
		s.mu.Unlock()
		return err
	}
	*cur = next
	s.byExchange[exchangeID] = clientID
	s.release(next)
	return nil
}

// IsAssigned reports whether exchangeID already belongs to a record.
func (s *Store) IsAssigned(exchangeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byExchange[exchangeID]
	return ok
}

// List returns copies of matching records ordered by creation time.
func (s *Store) List(f Filter) []Record {
	s.mu.RLock()
	out := make([]Record, 0)
	for _, r := range s.byClient {
		if f.match(r) {
			out = append(out, *r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ClientOrderID < out[j].ClientOrderID
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byClient)
}

// mutate applies fn to a copy of the record, persists it, then swaps it in.
// A failing fn or persister leaves the stored record unchanged.
func (s *Store) mutate(clientID string, fn func(*Record) error) (bool, error) {
	s.mu.Lock()
	cur, ok := s.byClient[clientID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	next := *cur
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	next.UpdatedAt = s.clock.Now().UnixMilli()
	if err := s.save(next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	*cur = next
	s.release(next)
	return true, nil
}

// save must be called with mu held.
func (s *Store) save(r Record) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveRecord(r); err != nil {
		return fmt.Errorf("failed to persist order %s: %w", r.ClientOrderID, err)
	}
	return nil
}

// saveAll must be called with mu held.
func (s *Store) saveAll(recs []Record) error {
	if s.persist == nil {
		return nil
	}
	if len(recs) == 1 {
		return s.save(recs[0])
	}
	if err := s.persist.SaveRecords(recs); err != nil {
		return fmt.Errorf("failed to persist %d orders: %w", len(recs), err)
	}
	return nil
}

// release unlocks mu and hands recs to the observers. notifyMu is taken
// before mu is dropped, so observers see changes in the order they committed.
func (s *Store) release(recs ...Record) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, r := range recs {
		for _, fn := range s.observers {
			fn(r)
		}
	}
}
