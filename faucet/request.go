package faucet

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAddress is returned when a destination fails format or
	// checksum validation.
	ErrInvalidAddress = errors.New("faucet: invalid destination address")
	// ErrRateLimited is returned when the requester is still inside the
	// cooldown window from a previous grant.
	ErrRateLimited = errors.New("faucet: requester rate limited")
	// ErrBackpressure is returned when the in-flight queue is at capacity.
	ErrBackpressure = errors.New("faucet: queue at capacity")
	// ErrNotFound is returned for status queries on unknown job IDs.
	ErrNotFound = errors.New("faucet: job not found")
	// ErrClosed is returned when the service is shutting down.
	ErrClosed = errors.New("faucet: service closed")
)

// Verdict is the admission decision for a disbursement request.
type Verdict string

const (
	VerdictAccepted       Verdict = "accepted"
	VerdictInvalidAddress Verdict = "invalid_address"
	VerdictRateLimited    Verdict = "rate_limited"
	VerdictBackpressure   Verdict = "backpressure"
)

// DisbursementRequest is an immutable grant request. The amount is the
// configured faucet constant, never chosen by the requester.
type DisbursementRequest struct {
	ID          string
	Requester   string
	Destination common.Address
	Amount      *big.Int
	SubmittedAt time.Time
}

// AdmissionDecision records the synchronous accept/reject outcome for a
// request before any chain interaction.
type AdmissionDecision struct {
	Request DisbursementRequest
	Verdict Verdict
	Reason  string
}

// Err maps a rejection verdict onto its sentinel error, or nil for accepted
// requests.
func (d AdmissionDecision) Err() error {
	switch d.Verdict {
	case VerdictAccepted:
		return nil
	case VerdictInvalidAddress:
		return ErrInvalidAddress
	case VerdictBackpressure:
		return ErrBackpressure
	default:
		return ErrRateLimited
	}
}

// Status describes where a job is in its lifecycle. Pending is the only
// non-terminal value observable by callers.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further processing will occur for the job.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusAbandoned
}

// Outcome is the caller-visible result of a disbursement request.
type Outcome struct {
	JobID       string    `json:"job_id"`
	Status      Status    `json:"status"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Nonce       uint64    `json:"nonce,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ParseDestination validates and normalises a destination address. Mixed-case
// input must carry a valid EIP-55 checksum; all-lowercase and all-uppercase
// forms are accepted without one.
func ParseDestination(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	addr := common.HexToAddress(trimmed)
	hexPart := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	lower := strings.ToLower(hexPart)
	upper := strings.ToUpper(hexPart)
	if hexPart != lower && hexPart != upper {
		if "0x"+hexPart != addr.Hex() {
			return common.Address{}, fmt.Errorf("%w: checksum mismatch in %q", ErrInvalidAddress, raw)
		}
	}
	return addr, nil
}
