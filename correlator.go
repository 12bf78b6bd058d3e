package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// correlator matches responses to the requests the client sent. Every pending request is completed
// exactly once: by its response, by a connection failure, or by its caller giving up.
type correlator struct {
	server  string
	nextID  IDGenerator
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending map[MustString]*pendingRequest
}

type pendingRequest struct {
	id       MustString
	method   string
	issuedAt time.Time

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCorrelator(server string, nextID IDGenerator, logger *slog.Logger, metrics *Metrics) *correlator {
	if nextID == nil {
		nextID = IDGeneratorFunc(func() string { return uuid.New().String() })
	}
	return &correlator{
		server:  server,
		nextID:  nextID,
		logger:  logger,
		metrics: metrics,
		pending: make(map[MustString]*pendingRequest),
	}
}

// maxIDAttempts bounds how many ids register draws before giving up on the generator.
const maxIDAttempts = 100

var errNoUniqueID = errors.New("id generator produced no unique request id")

// register stores a new pending request under an id no outstanding request uses.
func (c *correlator) register(method string) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id MustString
	for attempt := 0; ; attempt++ {
		if attempt == maxIDAttempts {
			return nil, fmt.Errorf("%w after %d attempts", errNoUniqueID, maxIDAttempts)
		}
		id = MustString(c.nextID.NextID())
		if _, ok := c.pending[id]; !ok && id != "" {
			break
		}
		c.logger.Debug("generated request id is empty or in use, retrying", "id", id)
	}

	p := &pendingRequest{
		id:       id,
		method:   method,
		issuedAt: time.Now(),
		done:     make(chan struct{}),
	}
	c.pending[id] = p
	c.metrics.setPending(c.server, len(c.pending))

	return p, nil
}

func (c *correlator) handleResponse(resp *Response) {
	if resp.ID == "" {
		c.logger.Warn("received response without id", "server", c.server, "error", resp.Error)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
		c.metrics.setPending(c.server, len(c.pending))
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("received response for unknown or timed out request id", "server", c.server, "id", resp.ID)
		return
	}

	if resp.Error != nil {
		c.logger.Warn("received error response",
			"server", c.server, "id", resp.ID, "method", p.method, "code", resp.Error.Code, "message", resp.Error.Message)
		p.complete(nil, &RequestError{
			Method:  p.method,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		})
		return
	}

	c.logger.Debug("received successful response", "server", c.server, "id", resp.ID, "method", p.method)
	p.complete(resp.Result, nil)
}

// cancel removes the pending request with id and rejects it with err. It reports false when the request
// was already completed.
func (c *correlator) cancel(id MustString, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.metrics.setPending(c.server, len(c.pending))
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	return p.complete(nil, err)
}

// failAll rejects every pending request with err and empties the table. It returns the number of
// requests rejected.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[MustString]*pendingRequest)
	c.metrics.setPending(c.server, 0)
	c.mu.Unlock()

	for _, p := range pending {
		p.complete(nil, err)
	}
	return len(pending)
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

func (p *pendingRequest) complete(result json.RawMessage, err error) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
		completed = true
	})
	return completed
}

// wait blocks until the request is completed or ctx is done, whichever comes first.
func (p *pendingRequest) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outcome blocks until the request is completed and returns its result.
func (p *pendingRequest) outcome() (json.RawMessage, error) {
	<-p.done
	return p.result, p.err
}
