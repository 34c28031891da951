package coordinator

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// apiPortOffset maps a peer's Raft bind port to its coordinator HTTP port.
// Conreg nodes are started with both ports derived from one another (see
// cmd/conregd), so forwarding a write never needs a separate peer
// directory beyond the Raft membership list already held by raftcluster.
const apiPortOffset = 1000

// httpAddrFromRaftAddr derives a peer's coordinator HTTP address from its
// Raft transport address.
func httpAddrFromRaftAddr(raftAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(raftAddr)
	if err != nil {
		return "", fmt.Errorf("split raft addr %q: %w", raftAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("parse raft port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+apiPortOffset)), nil
}

// newForwardClient builds the retryablehttp client used both to forward
// writes to the leader (spec §6, X-Forward: true) and to carry registry
// delta/digest peer traffic (spec §4.4). Retries back off exponentially
// from 100ms up to a 3s cap; each wait from retryablehttp's default backoff
// is scaled by a random factor in [0.7, 1.3] and then capped at 3s again.
func newForwardClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.RetryMax = 3
	c.Backoff = func(minWait, maxWait time.Duration, attemptNum int, resp *http.Response) time.Duration {
		wait := retryablehttp.DefaultBackoff(minWait, maxWait, attemptNum, resp)
		wait = time.Duration(float64(wait) * (0.7 + 0.6*rand.Float64()))
		if wait > maxWait {
			wait = maxWait
		}
		return wait
	}
	c.Logger = nil
	c.HTTPClient.Timeout = 10 * time.Second
	return c
}

// forwardRequest sends method, path, and body to the coordinator address
// derived from the given Raft address and returns the response status and
// envelope verbatim.
func (s *Server) forwardRequest(method, path string, body []byte, leaderRaftAddr string) (int, []byte, error) {
	httpAddr, err := httpAddrFromRaftAddr(leaderRaftAddr)
	if err != nil {
		return 0, nil, err
	}
	url := "http://" + httpAddr + path

	req, err := retryablehttp.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.forwardClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("forward to leader %s: %w", httpAddr, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read forwarded response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
