package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mme-matchmaker/internal/domain"
)

const (
	// defaultNodeTimeout applies to nodes configured without a timeout
	defaultNodeTimeout = 20 * time.Second
	// maxResponseBytes bounds how much of a peer response is read
	maxResponseBytes = 10 << 20
)

// BreakerSettings tunes the per-node circuit breakers
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings trips a node after 3 requests with at least 60% failures
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  5,
		Interval:     30 * time.Second,
		Timeout:      60 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// protocolError marks a peer that answered with something unusable
type protocolError struct {
	msg string
	err error
}

func (e *protocolError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *protocolError) Unwrap() error { return e.err }

// Client fans a query out to federation peers. Every node gets its own
// circuit breaker and, when configured, its own rate limiter. There are no
// retries: a failed node is reported and the next resubmission tries again.
type Client struct {
	httpClient *http.Client
	settings   BreakerSettings
	log        *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// NewClient creates a federation client. A nil httpClient gets a dedicated
// transport; per-node deadlines come from the request context.
func NewClient(httpClient *http.Client, settings BreakerSettings, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &Client{
		httpClient: httpClient,
		settings:   settings,
		log:        logger,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// QueryAll sends query to every node concurrently and returns one outcome
// per node, in the order given. Node failures are reported in the outcomes,
// never as the returned error; the error is set only when ctx itself ends
// before the fan-out completes.
func (c *Client) QueryAll(ctx context.Context, query domain.PatientProfile, nodes []domain.Node) ([]domain.NodeOutcome, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(NewMatchRequest(query))
	if err != nil {
		return nil, fmt.Errorf("encoding match request: %w", err)
	}

	outcomes := make([]domain.NodeOutcome, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node domain.Node) {
			defer wg.Done()
			outcomes[i] = c.queryNode(ctx, node, body)
		}(i, node)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (c *Client) queryNode(ctx context.Context, node domain.Node, body []byte) domain.NodeOutcome {
	start := time.Now()
	public := publicNode(node)
	outcome := domain.NodeOutcome{Node: public}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = defaultNodeTimeout
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var results []domain.MatchResult
	err := c.waitTurn(nodeCtx, node)
	if err == nil {
		var res interface{}
		res, err = c.breaker(node).Execute(func() (interface{}, error) {
			return c.send(nodeCtx, node, public, body)
		})
		if err == nil {
			results = res.([]domain.MatchResult)
		}
	}
	outcome.Duration = time.Since(start)

	if err != nil {
		outcome.Err = domain.NewNodeError(node.ID, classify(ctx, nodeCtx, err), err)
		c.log.WithFields(logrus.Fields{
			"node_id":     node.ID,
			"kind":        outcome.Err.Kind,
			"duration_ms": outcome.Duration.Milliseconds(),
			"error":       err,
		}).Warn("Federation node failed")
		return outcome
	}

	outcome.Results = domain.DedupeResults(results)
	c.log.WithFields(logrus.Fields{
		"node_id":      node.ID,
		"result_count": len(outcome.Results),
		"duration_ms":  outcome.Duration.Milliseconds(),
	}).Info("Federation node answered")
	return outcome
}

// classify maps a node error onto a failure kind. An answer that could not be
// used is a protocol error. A caller that cancelled outright leaves the node
// cancelled. Deadline expiry, whether from the node timeout or the caller, is
// a timeout. Everything else, including an open breaker, is a transport error.
func classify(parent, nodeCtx context.Context, err error) domain.NodeFailureKind {
	var perr *protocolError
	switch {
	case errors.As(err, &perr):
		return domain.NodeProtocolError
	case errors.Is(parent.Err(), context.Canceled):
		return domain.NodeCancelled
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(nodeCtx.Err(), context.DeadlineExceeded),
		errors.Is(parent.Err(), context.DeadlineExceeded):
		return domain.NodeTimeout
	default:
		return domain.NodeTransportError
	}
}

func (c *Client) waitTurn(ctx context.Context, node domain.Node) error {
	if node.RateLimit <= 0 {
		return nil
	}
	c.mu.Lock()
	limiter, ok := c.limiters[node.ID]
	if !ok || limiter.Limit() != rate.Limit(node.RateLimit) {
		limiter = rate.NewLimiter(rate.Limit(node.RateLimit), 1)
		c.limiters[node.ID] = limiter
	}
	c.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		// Wait refuses early when the deadline would pass before a token is free
		return fmt.Errorf("waiting for rate limit: %w", context.DeadlineExceeded)
	}
	return nil
}

func (c *Client) breaker(node domain.Node) *gobreaker.CircuitBreaker {
	key := node.ID + "|" + node.Endpoint

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}

	s := c.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        node.ID,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.log.WithFields(logrus.Fields{
				"node_id": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Federation circuit breaker changed state")
		},
		// a caller giving up says nothing about the node
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	c.breakers[key] = cb
	return cb
}

func (c *Client) send(ctx context.Context, node, public domain.Node, body []byte) ([]domain.MatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	contentType := node.ContentType
	if contentType == "" {
		contentType = ContentType
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	if node.Token != "" {
		req.Header.Set(AuthHeader, node.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &protocolError{msg: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var decoded MatchResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &protocolError{msg: "malformed response body", err: err}
	}

	results := make([]domain.MatchResult, 0, len(decoded.Results))
	for i, entry := range decoded.Results {
		if entry.Patient.ID == "" {
			c.log.WithFields(logrus.Fields{
				"node_id": node.ID,
				"index":   i,
			}).Warn("Dropping peer result without patient id")
			continue
		}
		score := Normalize(node, entry.Score)
		if score.Unknown {
			c.log.WithFields(logrus.Fields{
				"node_id":    node.ID,
				"patient_id": entry.Patient.ID,
				"raw_score":  string(entry.Score.Patient),
			}).Debug("Peer score could not be mapped")
		}
		results = append(results, domain.MatchResult{
			PatientID:               entry.Patient.ID,
			Node:                    public,
			Score:                   score,
			MatchedPatient:          entry.Patient,
			ContainsGenomicFeatures: entry.Patient.HasGenomicEvidence(),
		})
	}
	return results, nil
}

// publicNode strips credentials before a node is attached to results
func publicNode(n domain.Node) domain.Node {
	n.Token = ""
	n.ContentType = ""
	return n
}
