package faucet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger owns the funding account's nonce state: the last reconciled pending
// nonce, the set of locally reserved nonces, and released slots awaiting
// reuse. All mutation goes through its serialised method surface; other
// components only ever hold the plain nonce values it hands out.
type Ledger struct {
	client     ChainClient
	account    common.Address
	maxAge     time.Duration
	rpcTimeout time.Duration
	now        func() time.Time

	mu            sync.Mutex
	tail          uint64
	reserved      map[uint64]struct{}
	released      []uint64
	lastReconcile time.Time
	synced        bool
}

// LedgerOption customises a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the time source, for tests.
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = clock }
}

// WithMaxLedgerAge sets how stale local nonce state may grow before a
// reservation forces a reconcile.
func WithMaxLedgerAge(age time.Duration) LedgerOption {
	return func(l *Ledger) { l.maxAge = age }
}

// WithLedgerRPCTimeout bounds each reconcile call against the chain.
func WithLedgerRPCTimeout(timeout time.Duration) LedgerOption {
	return func(l *Ledger) { l.rpcTimeout = timeout }
}

// NewLedger constructs a nonce ledger for the funding account.
func NewLedger(client ChainClient, account common.Address, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		client:     client,
		account:    account,
		maxAge:     30 * time.Second,
		rpcTimeout: 10 * time.Second,
		now:        time.Now,
		reserved:   make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ReserveNext hands out the next usable nonce. Released slots are reused
// lowest-first before the tail is extended. The call avoids network I/O
// unless local state has never been synced or has aged out.
func (l *Ledger) ReserveNext(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.synced || l.now().Sub(l.lastReconcile) > l.maxAge {
		if err := l.reconcileLocked(ctx); err != nil {
			return 0, err
		}
	}
	if len(l.released) > 0 {
		nonce := l.released[0]
		l.released = l.released[1:]
		l.reserved[nonce] = struct{}{}
		return nonce, nil
	}
	nonce := l.tail
	l.tail++
	l.reserved[nonce] = struct{}{}
	return nonce, nil
}

// Confirm removes a reservation whose transaction reached the chain. The
// consumed slot is never handed out again.
func (l *Ledger) Confirm(nonce uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, nonce)
}

// Release frees a reserved nonce after a terminal failure so a fresh
// reservation can reuse the slot instead of leaving a permanent gap.
func (l *Ledger) Release(nonce uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reserved[nonce]; !ok {
		return
	}
	delete(l.reserved, nonce)
	idx := sort.Search(len(l.released), func(i int) bool { return l.released[i] >= nonce })
	l.released = append(l.released, 0)
	copy(l.released[idx+1:], l.released[idx:])
	l.released[idx] = nonce
}

// MarkStale forces the next reservation to reconcile with the chain first.
// Submitters call it after failures that suggest the cache diverged.
func (l *Ledger) MarkStale() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.synced = false
}

// Reconcile re-reads the pending nonce from the chain and advances local
// state, dropping released slots the chain has already consumed.
func (l *Ledger) Reconcile(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconcileLocked(ctx)
}

func (l *Ledger) reconcileLocked(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout)
	defer cancel()
	pending, err := l.client.PendingNonceAt(callCtx, l.account)
	if err != nil {
		return fmt.Errorf("reconcile nonce: %w", err)
	}
	next := pending
	// Reservations not yet visible to the chain keep the tail ahead of the
	// pending nonce.
	for nonce := range l.reserved {
		if nonce >= next {
			next = nonce + 1
		}
	}
	l.tail = next
	kept := l.released[:0]
	for _, nonce := range l.released {
		if nonce >= pending {
			kept = append(kept, nonce)
		}
	}
	l.released = kept
	l.lastReconcile = l.now()
	l.synced = true
	return nil
}

// ReservedCount reports the number of live reservations.
func (l *Ledger) ReservedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reserved)
}

// NextNonce reports the tail nonce that a fresh reservation would extend to.
func (l *Ledger) NextNonce() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}
