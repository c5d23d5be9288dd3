package faucet

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/EspressoSystems/discord-faucet/observability"
)

// HealthStatus summarises the two liveness signals the deployment probes.
type HealthStatus struct {
	ChainReachable bool      `json:"chain_reachable"`
	Funded         bool      `json:"funded"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Healthy reports whether both signals are good.
func (h HealthStatus) Healthy() bool { return h.ChainReachable && h.Funded }

// ServiceConfig bundles the facade's runtime parameters.
type ServiceConfig struct {
	Amount            *big.Int
	Cooldown          time.Duration
	InFlightCeiling   int
	ClientWait        time.Duration
	ReconcileInterval time.Duration
	MaxLedgerAge      time.Duration
	HealthInterval    time.Duration
	BalanceFloor      *big.Int
	RPCTimeout        time.Duration
	Submitter         SubmitterConfig
}

// Service is the single entry point collaborators call: it admits requests,
// feeds the dispatch queue, and reports health. One background worker drains
// the queue so the funding account's nonces are assigned in admission order.
type Service struct {
	cfg       ServiceConfig
	client    ChainClient
	account   common.Address
	admission *AdmissionController
	queue     *DispatchQueue
	ledger    *Ledger
	submitter *Submitter
	journal   *Journal
	metrics   *observability.FaucetMetrics
	log       *slog.Logger
	now       func() time.Time

	submitterOpts []SubmitterOption

	mu       sync.Mutex
	outcomes map[string]Outcome
	closed   bool

	healthMu sync.RWMutex
	health   HealthStatus
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithJournal attaches a persistence journal. Cooldowns recorded in it are
// replayed into the admission controller.
func WithJournal(journal *Journal) ServiceOption {
	return func(s *Service) { s.journal = journal }
}

// WithServiceLogger supplies a structured logger.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// WithServiceClock overrides the time source, for tests.
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.now = clock }
}

// WithSubmitterOptions forwards options to the internal submitter.
func WithSubmitterOptions(opts ...SubmitterOption) ServiceOption {
	return func(s *Service) { s.submitterOpts = append(s.submitterOpts, opts...) }
}

// NewService assembles the dispatch pipeline around the funding key.
func NewService(client ChainClient, key *ecdsa.PrivateKey, chainID *big.Int, cfg ServiceConfig, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:      cfg,
		client:   client,
		metrics:  observability.Faucet(),
		log:      slog.Default(),
		now:      time.Now,
		outcomes: make(map[string]Outcome),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.account = ethcrypto.PubkeyToAddress(key.PublicKey)
	s.queue = NewDispatchQueue(cfg.InFlightCeiling)
	s.ledger = NewLedger(client, s.account,
		WithMaxLedgerAge(cfg.MaxLedgerAge),
		WithLedgerRPCTimeout(cfg.RPCTimeout),
		WithLedgerClock(s.now),
	)
	s.submitter = NewSubmitter(client, s.ledger, key, chainID, cfg.Submitter,
		append([]SubmitterOption{
			WithSubmitterClock(s.now),
			WithSubmitterLogger(s.log),
		}, s.submitterOpts...)...)
	s.admission = NewAdmissionController(cfg.Cooldown, cfg.InFlightCeiling, s.queue.Depth, WithAdmissionClock(s.now))
	if s.journal != nil {
		if grants, err := s.journal.Grants(); err == nil {
			s.admission.Seed(grants)
		} else {
			s.log.Warn("failed to restore grant history", "error", err)
		}
	}
	return s
}

// Account returns the funding account address.
func (s *Service) Account() common.Address { return s.account }

// RequestDisbursement admits the request and waits for a terminal outcome up
// to the configured client-facing wait. When the wait elapses first, a
// pending outcome is returned while the job keeps processing in the
// background; the terminal result stays queryable via Status.
func (s *Service) RequestDisbursement(ctx context.Context, requester, destination string) (Outcome, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Outcome{}, ErrClosed
	}

	req := DisbursementRequest{
		ID:          uuid.NewString(),
		Requester:   requester,
		Amount:      new(big.Int).Set(s.cfg.Amount),
		SubmittedAt: s.now(),
	}
	dest, err := ParseDestination(destination)
	if err != nil {
		s.metrics.RecordVerdict(string(VerdictInvalidAddress))
		s.log.Info("request rejected", "requester", requester, "verdict", VerdictInvalidAddress)
		return Outcome{}, err
	}
	req.Destination = dest

	decision := s.admission.Decide(req)
	s.metrics.RecordVerdict(string(decision.Verdict))
	if decision.Verdict != VerdictAccepted {
		s.log.Info("request rejected",
			"requester", requester,
			"verdict", decision.Verdict,
			"reason", decision.Reason,
		)
		return Outcome{}, decision.Err()
	}

	handle, err := s.queue.Enqueue(req)
	if err != nil {
		// Lost the race between the depth check and the enqueue; undo the
		// grant so the requester's cooldown does not start.
		s.admission.Retract(req.Requester)
		s.metrics.RecordVerdict(string(VerdictBackpressure))
		return Outcome{}, err
	}
	s.metrics.SetQueueDepth(s.queue.Depth())
	s.rememberPending(req)
	if s.journal != nil {
		if err := s.journal.RecordGrant(requester, req.SubmittedAt); err != nil {
			s.log.Warn("failed to journal grant", "requester", requester, "error", err)
		}
	}
	s.log.Info("request admitted", "job", req.ID, "requester", requester, "destination", dest.Hex())

	waitCtx := ctx
	if s.cfg.ClientWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.ClientWait)
		defer cancel()
	}
	if outcome, done := handle.Wait(waitCtx); done {
		return outcome, nil
	}
	// The caller stopped waiting; the job continues to its terminal outcome.
	return Outcome{JobID: req.ID, Status: StatusPending}, nil
}

// Status reports the latest known outcome for a job, consulting the journal
// for jobs that terminated before a restart.
func (s *Service) Status(jobID string) (Outcome, error) {
	s.mu.Lock()
	outcome, ok := s.outcomes[jobID]
	s.mu.Unlock()
	if ok {
		return outcome, nil
	}
	if s.journal != nil {
		record, err := s.journal.GetRecord(jobID)
		if err == nil {
			return Outcome{
				JobID:       record.JobID,
				Status:      record.Status,
				TxHash:      record.TxHash,
				Nonce:       record.Nonce,
				Attempts:    record.Attempts,
				Reason:      record.Reason,
				CompletedAt: record.UpdatedAt,
			}, nil
		}
	}
	return Outcome{}, ErrNotFound
}

// Health returns the last background probe result.
func (s *Service) Health() HealthStatus {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.health
}

// Run owns the submitter worker, the reconcile ticker, and the health
// poller. It blocks until ctx is cancelled, then drains: the in-progress job
// finishes, queued jobs are abandoned with a delivered outcome, and nonce
// recovery on the next start falls to Reconcile.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ledger.Reconcile(ctx); err != nil {
		// Startup with an unreachable chain stays alive so the health
		// endpoint can report it; submissions will retry internally.
		s.log.Error("initial ledger reconcile failed", "error", err)
	}
	s.probeHealth(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.workerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.tickLoop(ctx, s.cfg.ReconcileInterval, func() {
			if err := s.ledger.Reconcile(ctx); err != nil {
				s.log.Warn("periodic reconcile failed", "error", err)
			}
			s.metrics.SetReservedNonces(s.ledger.ReservedCount())
		})
	}()
	go func() {
		defer wg.Done()
		s.tickLoop(ctx, s.cfg.HealthInterval, func() { s.probeHealth(ctx) })
	}()

	<-ctx.Done()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	wg.Wait()
	s.abandonQueued()
	return ctx.Err()
}

func (s *Service) workerLoop(ctx context.Context) {
	for {
		select {
		case job := <-s.queue.Drain():
			outcome := s.submitter.Process(ctx, job)
			s.record(job, outcome)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) tickLoop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) record(job *QueuedJob, outcome Outcome) {
	s.queue.markDone()
	s.metrics.SetQueueDepth(s.queue.Depth())
	s.mu.Lock()
	s.outcomes[outcome.JobID] = outcome
	s.mu.Unlock()
	if s.journal != nil {
		err := s.journal.PutRecord(Record{
			JobID:       outcome.JobID,
			Requester:   job.Request.Requester,
			Destination: job.Request.Destination.Hex(),
			Amount:      job.Request.Amount.String(),
			Status:      outcome.Status,
			TxHash:      outcome.TxHash,
			Nonce:       outcome.Nonce,
			Attempts:    outcome.Attempts,
			Reason:      outcome.Reason,
			UpdatedAt:   outcome.CompletedAt,
		})
		if err != nil {
			s.log.Warn("failed to journal outcome", "job", outcome.JobID, "error", err)
		}
	}
	s.log.Info("job finished",
		"job", outcome.JobID,
		"status", outcome.Status,
		"tx", outcome.TxHash,
		"attempts", outcome.Attempts,
	)
}

func (s *Service) rememberPending(req DisbursementRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[req.ID] = Outcome{JobID: req.ID, Status: StatusPending}
}

// abandonQueued delivers a terminal outcome to jobs still queued at
// shutdown. None of them hold a nonce yet, so no ledger cleanup is needed;
// restart recovery is a plain reconcile.
func (s *Service) abandonQueued() {
	for {
		select {
		case job := <-s.queue.Drain():
			outcome := Outcome{
				JobID:       job.Request.ID,
				Status:      StatusAbandoned,
				Reason:      "service shut down before submission",
				CompletedAt: s.now(),
			}
			s.record(job, outcome)
			job.deliver(outcome)
		default:
			return
		}
	}
}

func (s *Service) probeHealth(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	balance, err := s.client.BalanceAt(callCtx, s.account, nil)
	cancel()
	status := HealthStatus{CheckedAt: s.now()}
	if err != nil {
		s.log.Warn("health probe failed", "error", err)
	} else {
		status.ChainReachable = true
		status.Funded = s.cfg.BalanceFloor == nil || balance.Cmp(s.cfg.BalanceFloor) >= 0
		s.metrics.SetFundingBalance(balance)
	}
	s.metrics.SetHealthy(status.Healthy())
	s.healthMu.Lock()
	s.health = status
	s.healthMu.Unlock()
}
