package faucet

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var testDestination = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func testRequest(requester string) DisbursementRequest {
	return DisbursementRequest{
		ID:          "job-" + requester,
		Requester:   requester,
		Destination: testDestination,
	}
}

func TestAdmissionCooldownBoundary(t *testing.T) {
	cooldown := time.Hour
	current := time.Unix(1700000000, 0)
	admission := NewAdmissionController(cooldown, 10, func() int { return 0 },
		WithAdmissionClock(func() time.Time { return current }),
	)

	decision := admission.Decide(testRequest("alice"))
	require.Equal(t, VerdictAccepted, decision.Verdict)

	// One nanosecond before the window closes.
	current = current.Add(cooldown - time.Nanosecond)
	decision = admission.Decide(testRequest("alice"))
	require.Equal(t, VerdictRateLimited, decision.Verdict)

	// Exactly at the boundary the window has expired.
	current = current.Add(time.Nanosecond)
	decision = admission.Decide(testRequest("alice"))
	require.Equal(t, VerdictAccepted, decision.Verdict)
}

func TestAdmissionWindowSlidesFromEachGrant(t *testing.T) {
	cooldown := time.Hour
	start := time.Unix(1700000000, 0)
	current := start
	admission := NewAdmissionController(cooldown, 10, func() int { return 0 },
		WithAdmissionClock(func() time.Time { return current }),
	)

	require.Equal(t, VerdictAccepted, admission.Decide(testRequest("bob")).Verdict)
	current = start.Add(cooldown)
	require.Equal(t, VerdictAccepted, admission.Decide(testRequest("bob")).Verdict)

	// The second grant pushed the window forward from its own timestamp, so
	// a request shortly after it is still inside the new window.
	current = start.Add(cooldown + time.Minute)
	require.Equal(t, VerdictRateLimited, admission.Decide(testRequest("bob")).Verdict)
}

func TestAdmissionRateLimitIsPerRequester(t *testing.T) {
	admission := NewAdmissionController(time.Hour, 10, func() int { return 0 })
	require.Equal(t, VerdictAccepted, admission.Decide(testRequest("carol")).Verdict)
	require.Equal(t, VerdictAccepted, admission.Decide(testRequest("dave")).Verdict)
	require.Equal(t, VerdictRateLimited, admission.Decide(testRequest("carol")).Verdict)
}

func TestAdmissionBackpressure(t *testing.T) {
	depth := 0
	admission := NewAdmissionController(time.Hour, 3, func() int { return depth })

	depth = 2
	require.Equal(t, VerdictAccepted, admission.Decide(testRequest("erin")).Verdict)
	depth = 3
	decision := admission.Decide(testRequest("frank"))
	require.Equal(t, VerdictBackpressure, decision.Verdict)
	require.ErrorIs(t, decision.Err(), ErrBackpressure)

	depth = 1
	require.Equal(t, VerdictAccepted, admission.Decide(testRequest("frank")).Verdict)
}

func TestAdmissionRejectsZeroAddress(t *testing.T) {
	admission := NewAdmissionController(time.Hour, 10, func() int { return 0 })
	req := testRequest("grace")
	req.Destination = common.Address{}
	decision := admission.Decide(req)
	require.Equal(t, VerdictInvalidAddress, decision.Verdict)
}

func TestAdmissionConcurrentSameRequesterGrantsOnce(t *testing.T) {
	admission := NewAdmissionController(time.Hour, 1000, func() int { return 0 })

	const attempts = 32
	var wg sync.WaitGroup
	accepted := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if admission.Decide(testRequest("heidi")).Verdict == VerdictAccepted {
				accepted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(accepted)
	require.Len(t, accepted, 1)
}

func TestAdmissionRetract(t *testing.T) {
	admission := NewAdmissionController(time.Hour, 10, func() int { return 0 })
	require.Equal(t, VerdictAccepted, admission.Decide(testRequest("ivan")).Verdict)
	admission.Retract("ivan")
	require.Equal(t, VerdictAccepted, admission.Decide(testRequest("ivan")).Verdict)
}

func TestAdmissionSeedRestoresCooldowns(t *testing.T) {
	current := time.Unix(1700000000, 0)
	admission := NewAdmissionController(time.Hour, 10, func() int { return 0 },
		WithAdmissionClock(func() time.Time { return current }),
	)
	admission.Seed(map[string]time.Time{
		"recent":  current.Add(-time.Minute),
		"expired": current.Add(-2 * time.Hour),
	})
	require.Equal(t, VerdictRateLimited, admission.Decide(testRequest("recent")).Verdict)
	require.Equal(t, VerdictAccepted, admission.Decide(testRequest("expired")).Verdict)
}

func TestParseDestination(t *testing.T) {
	checksummed := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	addr, err := ParseDestination(checksummed)
	require.NoError(t, err)
	require.Equal(t, checksummed, addr.Hex())

	_, err = ParseDestination("not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = ParseDestination("0x5aAeb6053f3E94C9b9A09f33669435E7Ef1BeAed")
	require.ErrorIs(t, err, ErrInvalidAddress, "corrupted checksum must be rejected")

	lower, err := ParseDestination("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	require.Equal(t, addr, lower)
}
