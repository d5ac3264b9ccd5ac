package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// AccountCache durably remembers resolved handles across restarts.
type AccountCache interface {
	SaveAccount(AccountHandle) error
	LoadAccounts() ([]AccountHandle, error)
}

type accountEntry struct {
	create *semaphore.Weighted // one get-or-create in flight
	flow   *semaphore.Weighted // serializes submit+correlate and reconcile
	handle *AccountHandle
}

// AccountRegistry resolves accounts once per (owner, market) and hands out
// per-key flow locks. Entries live for the lifetime of the registry.
type AccountRegistry struct {
	resolver AccountResolver
	cache    AccountCache
	log      *zap.SugaredLogger

	mu      sync.Mutex
	entries map[AccountKey]*accountEntry
}

func NewAccountRegistry(resolver AccountResolver, cache AccountCache, log *zap.SugaredLogger) *AccountRegistry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AccountRegistry{
		resolver: resolver,
		cache:    cache,
		log:      log,
		entries:  make(map[AccountKey]*accountEntry),
	}
}

// Warm preloads handles from the cache.
func (r *AccountRegistry) Warm() error {
	if r.cache == nil {
		return nil
	}
	handles, err := r.cache.LoadAccounts()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	for _, h := range handles {
		h := h
		r.entry(h.Key()).handle = &h
	}
	r.log.Infow("accounts_warmed", "count", len(handles))
	return nil
}

func (r *AccountRegistry) entry(k AccountKey) *accountEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[k]
	if !ok {
		e = &accountEntry{
			create: semaphore.NewWeighted(1),
			flow:   semaphore.NewWeighted(1),
		}
		r.entries[k] = e
	}
	return e
}

// Lookup returns a resolved handle without contacting the exchange.
func (r *AccountRegistry) Lookup(owner common.Address, market string) (AccountHandle, bool) {
	e := r.entry(AccountKey{Owner: owner, Market: market})
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.handle == nil {
		return AccountHandle{}, false
	}
	return *e.handle, true
}

// Resolve returns the account for (owner, market), creating it on the
// exchange at most once even under concurrent callers.
func (r *AccountRegistry) Resolve(ctx context.Context, owner common.Address, market string) (AccountHandle, error) {
	k := AccountKey{Owner: owner, Market: market}
	e := r.entry(k)

	if err := e.create.Acquire(ctx, 1); err != nil {
		return AccountHandle{}, fmt.Errorf("%s: %w: %w", k, ErrAccountCreationFailed, err)
	}
	defer e.create.Release(1)

	r.mu.Lock()
	cached := e.handle
	r.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	h, err := r.resolver.GetOrCreateAccount(ctx, owner, market)
	if err != nil {
		r.log.Warnw("account_resolve_failed", "owner", owner.Hex(), "market", market, "err", err)
		return AccountHandle{}, fmt.Errorf("%s: %w: %w", k, ErrAccountCreationFailed, err)
	}

	r.mu.Lock()
	e.handle = &h
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.SaveAccount(h); err != nil {
			r.log.Warnw("account_cache_failed", "owner", owner.Hex(), "market", market, "err", err)
		}
	}
	r.log.Infow("account_resolved", "owner", owner.Hex(), "market", market, "account", h.AccountID)
	return h, nil
}

// Lock takes the flow locks for keys in a fixed order and returns a func
// that releases them. Duplicate keys are locked once.
func (r *AccountRegistry) Lock(ctx context.Context, keys ...AccountKey) (func(), error) {
	uniq := make(map[AccountKey]struct{}, len(keys))
	sorted := make([]AccountKey, 0, len(keys))
	for _, k := range keys {
		if _, dup := uniq[k]; dup {
			continue
		}
		uniq[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	held := make([]*accountEntry, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].flow.Release(1)
		}
	}
	for _, k := range sorted {
		e := r.entry(k)
		if err := e.flow.Acquire(ctx, 1); err != nil {
			release()
			return nil, fmt.Errorf("lock %s: %w", k, err)
		}
		held = append(held, e)
	}
	return release, nil
}
