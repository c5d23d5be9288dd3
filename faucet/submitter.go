package faucet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/EspressoSystems/discord-faucet/observability"
)

const transferGasLimit = 21000

// Submitter signs, submits, and tracks a single queued job at a time. It is
// the only component that consumes the dispatch queue, so nonce assignment
// order always matches admission order.
type Submitter struct {
	client ChainClient
	ledger *Ledger
	key    *ecdsa.PrivateKey
	from   common.Address
	signer types.Signer

	maxAttempts     int
	backoffBase     time.Duration
	rpcTimeout      time.Duration
	receiptPoll     time.Duration
	confirmTimeout  time.Duration
	statusRequeries int

	metrics *observability.FaucetMetrics
	log     *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// SubmitterConfig bundles the submission and retry parameters.
type SubmitterConfig struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	RPCTimeout      time.Duration
	ReceiptPoll     time.Duration
	ConfirmTimeout  time.Duration
	StatusRequeries int
}

// SubmitterOption customises a Submitter.
type SubmitterOption func(*Submitter)

// WithSubmitterClock overrides the time source, for tests.
func WithSubmitterClock(clock func() time.Time) SubmitterOption {
	return func(s *Submitter) { s.now = clock }
}

// WithSubmitterSleep overrides the backoff sleeper, for tests.
func WithSubmitterSleep(sleep func(ctx context.Context, d time.Duration) error) SubmitterOption {
	return func(s *Submitter) { s.sleep = sleep }
}

// WithSubmitterLogger supplies a structured logger.
func WithSubmitterLogger(log *slog.Logger) SubmitterOption {
	return func(s *Submitter) { s.log = log }
}

// WithSubmitterMetrics overrides the metrics registry.
func WithSubmitterMetrics(m *observability.FaucetMetrics) SubmitterOption {
	return func(s *Submitter) { s.metrics = m }
}

// NewSubmitter constructs a submitter for the funding account key.
func NewSubmitter(client ChainClient, ledger *Ledger, key *ecdsa.PrivateKey, chainID *big.Int, cfg SubmitterConfig, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		client:          client,
		ledger:          ledger,
		key:             key,
		from:            ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:          types.LatestSignerForChainID(chainID),
		maxAttempts:     cfg.MaxAttempts,
		backoffBase:     cfg.BackoffBase,
		rpcTimeout:      cfg.RPCTimeout,
		receiptPoll:     cfg.ReceiptPoll,
		confirmTimeout:  cfg.ConfirmTimeout,
		statusRequeries: cfg.StatusRequeries,
		metrics:         observability.Faucet(),
		log:             slog.Default(),
		now:             time.Now,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 5
	}
	if s.backoffBase <= 0 {
		s.backoffBase = time.Second
	}
	if s.rpcTimeout <= 0 {
		s.rpcTimeout = 10 * time.Second
	}
	if s.receiptPoll <= 0 {
		s.receiptPoll = 2 * time.Second
	}
	if s.confirmTimeout <= 0 {
		s.confirmTimeout = 5 * time.Minute
	}
	if s.statusRequeries <= 0 {
		s.statusRequeries = 3
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sleep == nil {
		s.sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return s
}

// From returns the funding account address derived from the signing key.
func (s *Submitter) From() common.Address { return s.from }

// Process drives one job to a terminal outcome. Every path ends with exactly
// one Confirm or Release on the ledger.
func (s *Submitter) Process(ctx context.Context, job *QueuedJob) Outcome {
	req := job.Request
	log := s.log.With("job", req.ID, "requester", req.Requester, "destination", req.Destination.Hex())
	started := s.now()

	var lastReason string
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			s.metrics.RecordRetry()
			if err := s.sleep(ctx, s.backoff(attempt-1)); err != nil {
				return s.finish(job, Outcome{
					JobID: req.ID, Status: StatusAbandoned, Attempts: attempt - 1,
					Reason: "shutdown during retry backoff",
				}, started)
			}
		}

		nonce, err := s.ledger.ReserveNext(ctx)
		if err != nil {
			lastReason = fmt.Sprintf("reserve nonce: %v", err)
			log.Warn("nonce reservation failed", "attempt", attempt, "error", err)
			continue
		}

		outcome, retry := s.attempt(ctx, log, req, nonce, attempt)
		if !retry {
			return s.finish(job, outcome, started)
		}
		lastReason = outcome.Reason
	}

	s.ledger.MarkStale()
	return s.finish(job, Outcome{
		JobID:    req.ID,
		Status:   StatusFailed,
		Attempts: s.maxAttempts,
		Reason:   fmt.Sprintf("retries exhausted: %s", lastReason),
	}, started)
}

// attempt performs one submission round for the reserved nonce. It returns
// the terminal outcome, or retry=true after releasing the nonce.
func (s *Submitter) attempt(ctx context.Context, log *slog.Logger, req DisbursementRequest, nonce uint64, attempt int) (Outcome, bool) {
	price, err := s.suggestGasPrice(ctx)
	if err != nil {
		s.ledger.Release(nonce)
		log.Warn("gas price query failed", "attempt", attempt, "error", err)
		return Outcome{JobID: req.ID, Reason: fmt.Sprintf("gas price: %v", err)}, true
	}

	tx := types.NewTransaction(nonce, req.Destination, req.Amount, transferGasLimit, price, nil)
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		// Signing never depends on chain state; a failure here is terminal.
		s.ledger.Release(nonce)
		return Outcome{
			JobID: req.ID, Status: StatusFailed, Attempts: attempt,
			Reason: fmt.Sprintf("sign transaction: %v", err),
		}, false
	}
	hash := signed.Hash()

	sendCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	err = s.client.SendTransaction(sendCtx, signed)
	cancel()
	switch {
	case err == nil, isAlreadyKnown(err):
		// Submitted; fall through to the confirmation wait.
	case errors.Is(err, context.DeadlineExceeded):
		// The transaction may have reached the chain. Resolve by hash
		// before deciding anything; never blind-resubmit.
		return s.resolveAmbiguous(ctx, log, req, signed, nonce, attempt)
	case isNonceConflict(err), isFeeTooLow(err):
		s.ledger.Release(nonce)
		s.ledger.MarkStale()
		log.Warn("submission rejected, will re-reserve", "attempt", attempt, "nonce", nonce, "error", err)
		return Outcome{JobID: req.ID, Reason: fmt.Sprintf("submit: %v", err)}, true
	default:
		s.ledger.Release(nonce)
		log.Warn("submission failed", "attempt", attempt, "nonce", nonce, "error", err)
		return Outcome{JobID: req.ID, Reason: fmt.Sprintf("submit: %v", err)}, true
	}

	log.Info("transaction submitted", "attempt", attempt, "nonce", nonce, "tx", hash.Hex())
	receipt, err := s.awaitReceipt(ctx, hash)
	if err != nil {
		return s.resolveAmbiguous(ctx, log, req, signed, nonce, attempt)
	}
	return s.conclude(req, receipt, hash, nonce, attempt), false
}

// conclude maps a receipt onto the job's terminal outcome. The nonce was
// consumed on-chain either way, so the ledger slot is confirmed, not
// released.
func (s *Submitter) conclude(req DisbursementRequest, receipt *types.Receipt, hash common.Hash, nonce uint64, attempt int) Outcome {
	s.ledger.Confirm(nonce)
	if receipt.Status == types.ReceiptStatusSuccessful {
		return Outcome{
			JobID: req.ID, Status: StatusConfirmed, TxHash: hash.Hex(),
			Nonce: nonce, Attempts: attempt, CompletedAt: s.now(),
		}
	}
	return Outcome{
		JobID: req.ID, Status: StatusFailed, TxHash: hash.Hex(),
		Nonce: nonce, Attempts: attempt, CompletedAt: s.now(),
		Reason: "transaction reverted on chain",
	}
}

// awaitReceipt polls for the transaction receipt until confirmTimeout.
func (s *Submitter) awaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := s.now().Add(s.confirmTimeout)
	for {
		callCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
		receipt, err := s.client.TransactionReceipt(callCtx, hash)
		cancel()
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if s.now().After(deadline) {
			return nil, fmt.Errorf("no receipt for %s within %s", hash.Hex(), s.confirmTimeout)
		}
		if err := s.sleep(ctx, s.receiptPoll); err != nil {
			return nil, err
		}
	}
}

// resolveAmbiguous re-queries an uncertain submission by its signed payload
// hash a bounded number of times. If the transaction is found it concludes
// normally; if it stays unknown the job is abandoned without resubmission —
// a stuck grant is recoverable, a double payout is not.
func (s *Submitter) resolveAmbiguous(ctx context.Context, log *slog.Logger, req DisbursementRequest, signed *types.Transaction, nonce uint64, attempt int) (Outcome, bool) {
	hash := signed.Hash()
	for query := 0; query < s.statusRequeries; query++ {
		callCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
		receipt, err := s.client.TransactionReceipt(callCtx, hash)
		cancel()
		if err == nil && receipt != nil {
			log.Info("ambiguous submission resolved to included", "tx", hash.Hex(), "nonce", nonce)
			return s.conclude(req, receipt, hash, nonce, attempt), false
		}

		callCtx, cancel = context.WithTimeout(ctx, s.rpcTimeout)
		_, pending, err := s.client.TransactionByHash(callCtx, hash)
		cancel()
		if err == nil && pending {
			// Known to the chain but not yet mined; keep polling for the
			// receipt within the normal confirmation budget.
			receipt, rerr := s.awaitReceipt(ctx, hash)
			if rerr == nil {
				return s.conclude(req, receipt, hash, nonce, attempt), false
			}
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Warn("status re-query failed", "tx", hash.Hex(), "error", err)
		}
		if s.sleep(ctx, s.receiptPoll) != nil {
			break
		}
	}

	s.ledger.MarkStale()
	s.ledger.Release(nonce)
	log.Error("ambiguous submission unresolved, abandoning", "tx", hash.Hex(), "nonce", nonce)
	return Outcome{
		JobID: req.ID, Status: StatusAbandoned, TxHash: hash.Hex(),
		Nonce: nonce, Attempts: attempt, CompletedAt: s.now(),
		Reason: "submission outcome unresolvable",
	}, false
}

func (s *Submitter) suggestGasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()
	return s.client.SuggestGasPrice(callCtx)
}

func (s *Submitter) finish(job *QueuedJob, outcome Outcome, started time.Time) Outcome {
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = s.now()
	}
	s.metrics.RecordSubmission(string(outcome.Status), s.now().Sub(started))
	s.metrics.SetReservedNonces(s.ledger.ReservedCount())
	job.deliver(outcome)
	return outcome
}

func (s *Submitter) backoff(failures int) time.Duration {
	d := s.backoffBase
	for i := 1; i < failures && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func isNonceConflict(err error) bool {
	return errContainsAny(err, "nonce too low", "nonce too high", "invalid nonce", "replacement transaction underpriced")
}

func isFeeTooLow(err error) bool {
	return errContainsAny(err, "transaction underpriced", "fee cap less than", "tip cap less than", "max fee per gas less than")
}

func isAlreadyKnown(err error) bool {
	return errContainsAny(err, "already known", "known transaction")
}

func errContainsAny(err error, fragments ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range fragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
