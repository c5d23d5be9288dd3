package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EspressoSystems/discord-faucet/faucet"
)

type serviceStub struct {
	mu         sync.Mutex
	outcome    faucet.Outcome
	requestErr error
	statusErr  error
	health     faucet.HealthStatus

	lastRequester   string
	lastDestination string
}

func (s *serviceStub) RequestDisbursement(ctx context.Context, requester, destination string) (faucet.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRequester = requester
	s.lastDestination = destination
	if s.requestErr != nil {
		return faucet.Outcome{}, s.requestErr
	}
	return s.outcome, nil
}

func (s *serviceStub) Status(jobID string) (faucet.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return faucet.Outcome{}, s.statusErr
	}
	return s.outcome, nil
}

func (s *serviceStub) lastCall() (requester, destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequester, s.lastDestination
}

func (s *serviceStub) Health() faucet.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func testServer(stub *serviceStub) *httptest.Server {
	srv := New(Config{
		Service:   stub,
		RateLimit: RateLimit{RequestsPerMinute: 6000, Burst: 100},
	})
	return httptest.NewServer(srv.Handler())
}

func postRequest(t *testing.T, ts *httptest.Server, address string, headers map[string]string) (*http.Response, faucet.Outcome) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/faucet/request/"+address, nil)
	require.NoError(t, err)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var outcome faucet.Outcome
	if resp.StatusCode < 400 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	}
	return resp, outcome
}

func TestRequestConfirmed(t *testing.T) {
	stub := &serviceStub{outcome: faucet.Outcome{
		JobID:  "job-1",
		Status: faucet.StatusConfirmed,
		TxHash: "0xabc",
		Nonce:  7,
	}}
	ts := testServer(stub)
	defer ts.Close()

	resp, outcome := postRequest(t, ts, "0x00000000000000000000000000000000000000aa", map[string]string{
		"X-Requester-Id": "discord:alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "job-1", outcome.JobID)
	require.Equal(t, faucet.StatusConfirmed, outcome.Status)
	requester, destination := stub.lastCall()
	require.Equal(t, "discord:alice", requester)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", destination)
}

func TestRequestPendingReturnsAccepted(t *testing.T) {
	stub := &serviceStub{outcome: faucet.Outcome{JobID: "job-2", Status: faucet.StatusPending}}
	ts := testServer(stub)
	defer ts.Close()

	resp, outcome := postRequest(t, ts, "0x00000000000000000000000000000000000000aa", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, faucet.StatusPending, outcome.Status)
}

func TestRequestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{faucet.ErrInvalidAddress, http.StatusBadRequest},
		{faucet.ErrRateLimited, http.StatusTooManyRequests},
		{faucet.ErrBackpressure, http.StatusTooManyRequests},
		{faucet.ErrClosed, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		stub := &serviceStub{requestErr: tc.err}
		ts := testServer(stub)
		resp, _ := postRequest(t, ts, "whatever", nil)
		require.Equal(t, tc.want, resp.StatusCode, tc.err.Error())
		ts.Close()
	}
}

func TestRequestFallsBackToClientIP(t *testing.T) {
	stub := &serviceStub{outcome: faucet.Outcome{Status: faucet.StatusConfirmed}}
	ts := testServer(stub)
	defer ts.Close()

	resp, _ := postRequest(t, ts, "0x00000000000000000000000000000000000000aa", map[string]string{
		"X-Real-IP": "203.0.113.9",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requester, _ := stub.lastCall()
	require.Equal(t, "203.0.113.9", requester)
}

func TestStatusEndpoint(t *testing.T) {
	stub := &serviceStub{outcome: faucet.Outcome{JobID: "job-3", Status: faucet.StatusFailed, Reason: "retries exhausted"}}
	ts := testServer(stub)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/faucet/status/job-3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var outcome faucet.Outcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	require.Equal(t, faucet.StatusFailed, outcome.Status)
	require.Equal(t, "retries exhausted", outcome.Reason)
}

func TestStatusNotFound(t *testing.T) {
	stub := &serviceStub{statusErr: faucet.ErrNotFound}
	ts := testServer(stub)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/faucet/status/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthcheck(t *testing.T) {
	stub := &serviceStub{health: faucet.HealthStatus{ChainReachable: true, Funded: true, CheckedAt: time.Now()}}
	ts := testServer(stub)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthcheck")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stub.mu.Lock()
	stub.health.Funded = false
	stub.mu.Unlock()
	resp, err = ts.Client().Get(ts.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var health faucet.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.True(t, health.ChainReachable)
	require.False(t, health.Funded)
}

func TestMetricsEndpoint(t *testing.T) {
	stub := &serviceStub{}
	ts := testServer(stub)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitMiddleware(t *testing.T) {
	stub := &serviceStub{outcome: faucet.Outcome{Status: faucet.StatusConfirmed}}
	srv := New(Config{
		Service:   stub,
		RateLimit: RateLimit{RequestsPerMinute: 60, Burst: 2},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	headers := map[string]string{"X-Real-IP": "198.51.100.7"}
	for i := 0; i < 2; i++ {
		resp, _ := postRequest(t, ts, "0x00000000000000000000000000000000000000aa", headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := postRequest(t, ts, "0x00000000000000000000000000000000000000aa", headers)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// A different client keeps its own bucket.
	resp, _ = postRequest(t, ts, "0x00000000000000000000000000000000000000aa", map[string]string{
		"X-Real-IP": "198.51.100.8",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
