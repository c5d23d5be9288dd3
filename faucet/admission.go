package faucet

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// rateWindow tracks a single requester's accepted grant timestamps. Each
// window carries its own lock so admission decisions for distinct requesters
// never contend.
type rateWindow struct {
	mu     sync.Mutex
	grants []time.Time
}

// AdmissionController makes the synchronous accept/reject decision for every
// request before any chain interaction. It owns the per-requester rate
// windows and consults the queue depth for backpressure; it never touches
// chain state.
type AdmissionController struct {
	cooldown time.Duration
	ceiling  int
	depth    func() int
	now      func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

// AdmissionOption customises an AdmissionController.
type AdmissionOption func(*AdmissionController)

// WithAdmissionClock overrides the time source, for tests.
func WithAdmissionClock(clock func() time.Time) AdmissionOption {
	return func(a *AdmissionController) { a.now = clock }
}

// NewAdmissionController constructs the controller. depth reports the current
// in-flight job count; ceiling bounds it.
func NewAdmissionController(cooldown time.Duration, ceiling int, depth func() int, opts ...AdmissionOption) *AdmissionController {
	a := &AdmissionController{
		cooldown: cooldown,
		ceiling:  ceiling,
		depth:    depth,
		now:      time.Now,
		windows:  make(map[string]*rateWindow),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Decide admits or rejects the request. Rejections are final for this
// request; the caller may submit a fresh one later. A successful decision
// records the grant, advancing the requester's sliding cooldown window from
// the grant's own timestamp.
func (a *AdmissionController) Decide(req DisbursementRequest) AdmissionDecision {
	if (req.Destination == common.Address{}) {
		return AdmissionDecision{Request: req, Verdict: VerdictInvalidAddress, Reason: "destination is the zero address"}
	}
	if a.depth != nil && a.ceiling > 0 && a.depth() >= a.ceiling {
		return AdmissionDecision{Request: req, Verdict: VerdictBackpressure, Reason: fmt.Sprintf("in-flight ceiling %d reached", a.ceiling)}
	}

	window := a.window(req.Requester)
	window.mu.Lock()
	defer window.mu.Unlock()

	now := a.now()
	kept := window.grants[:0]
	for _, grant := range window.grants {
		if now.Sub(grant) < a.cooldown {
			kept = append(kept, grant)
		}
	}
	window.grants = kept
	if len(window.grants) > 0 {
		last := window.grants[len(window.grants)-1]
		retryAt := last.Add(a.cooldown)
		return AdmissionDecision{
			Request: req,
			Verdict: VerdictRateLimited,
			Reason:  fmt.Sprintf("cooldown active until %s", retryAt.UTC().Format(time.RFC3339)),
		}
	}
	window.grants = append(window.grants, now)
	return AdmissionDecision{Request: req, Verdict: VerdictAccepted}
}

// Retract removes the requester's most recent grant. Used when an admitted
// request could not be enqueued after all, so the cooldown does not start.
func (a *AdmissionController) Retract(requester string) {
	window := a.window(requester)
	window.mu.Lock()
	defer window.mu.Unlock()
	if len(window.grants) > 0 {
		window.grants = window.grants[:len(window.grants)-1]
	}
}

// Seed pre-populates last-grant timestamps, typically restored from the
// journal after a restart so cooldowns survive the process boundary.
func (a *AdmissionController) Seed(grants map[string]time.Time) {
	now := a.now()
	for requester, grantedAt := range grants {
		if now.Sub(grantedAt) >= a.cooldown {
			continue
		}
		window := a.window(requester)
		window.mu.Lock()
		window.grants = append(window.grants, grantedAt)
		window.mu.Unlock()
	}
}

func (a *AdmissionController) window(requester string) *rateWindow {
	a.mu.Lock()
	defer a.mu.Unlock()
	window, ok := a.windows[requester]
	if !ok {
		window = &rateWindow{}
		a.windows[requester] = window
	}
	return window
}
