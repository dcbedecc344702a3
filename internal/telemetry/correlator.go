package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// DefaultCallTimeout applies when neither the request nor the correlator sets one.
const DefaultCallTimeout = 10 * time.Second

// CorrelatorOptions tunes a Correlator.
type CorrelatorOptions struct {
	// DefaultTimeout applies to requests without their own Timeout.
	DefaultTimeout time.Duration
	Logger         Logger
}

// Request describes one command/response round trip.
type Request struct {
	CommandTopic  string
	ResponseTopic string
	Command       Command
	// Key overrides the strategy's key when set. Responses are still keyed
	// with KeyStrategy.Match, so it must equal the key the answer maps to.
	Key string
	// Timeout overrides the correlator default when positive.
	Timeout time.Duration
}

type callResult struct {
	resp *Response
	err  error
}

// pendingOp is settled exactly once, by whichever of response, timeout,
// cancellation or publish failure gets there first.
type pendingOp struct {
	key           string
	responseTopic string
	done          chan callResult
	timer         *time.Timer
	settled       bool
}

// Correlator turns publish/subscribe into awaitable command calls.
//
// Each Call registers a pending operation under a key from the KeyStrategy,
// publishes the command, and waits for a response with the same key on the
// request's response topic. Calls run concurrently; only matching is
// serialised. Pending operations survive connection loss, so a response that
// arrives after a reconnect still settles its call.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Correlator struct {
	mux      *Multiplexer
	strategy KeyStrategy
	opts     CorrelatorOptions
	logger   Logger

	mu      sync.Mutex
	pending map[string]*pendingOp
	closed  bool

	subMu        sync.Mutex
	responseSubs map[string]HandlerID
	subFlight    singleflight.Group
}

// NewCorrelator creates a Correlator on mux. A nil strategy selects
// CommandTargetStrategy.
func NewCorrelator(mux *Multiplexer, strategy KeyStrategy, opts CorrelatorOptions) *Correlator {
	if strategy == nil {
		strategy = CommandTargetStrategy{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultCallTimeout
	}
	opts.Logger = orNoop(opts.Logger)
	return &Correlator{
		mux:          mux,
		strategy:     strategy,
		opts:         opts,
		logger:       opts.Logger,
		pending:      make(map[string]*pendingOp),
		responseSubs: make(map[string]HandlerID),
	}
}

// Call publishes req.Command and waits for the matching response.
//
// Parameters:
//   - ctx: cancelling it cancels the operation
//   - req: topics, command and optional timeout
//
// Returns:
//   - *Response: the device's answer (also set with *RejectedError and ErrMalformedResponse)
//   - error: ErrTimeout, ErrCancelled, *RejectedError (ErrRejected),
//     ErrMalformedResponse, ErrDuplicateOperation, or a publish/subscribe failure
func (c *Correlator) Call(ctx context.Context, req Request) (*Response, error) {
	if req.Command.Command == "" {
		return nil, fmt.Errorf("%w: command name is required", ErrInvalidCommand)
	}
	if err := mqtt.ValidatePublishTopic(req.CommandTopic); err != nil {
		return nil, err
	}
	if err := mqtt.ValidateFilter(req.ResponseTopic); err != nil {
		return nil, err
	}

	cmd := req.Command
	key := req.Key
	if key == "" {
		var err error
		if key, err = c.strategy.Prepare(&cmd); err != nil {
			return nil, err
		}
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding command: %w", ErrInvalidCommand, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrCorrelatorClosed
	}

	if err := c.ensureResponseSubscription(ctx, req.ResponseTopic); err != nil {
		return nil, err
	}

	op := &pendingOp{
		key:           key,
		responseTopic: req.ResponseTopic,
		done:          make(chan callResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCorrelatorClosed
	}
	if _, exists := c.pending[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOperation, key)
	}
	c.pending[key] = op
	op.timer = time.AfterFunc(timeout, func() {
		c.settle(op, nil, fmt.Errorf("%w: %s after %v", ErrTimeout, key, timeout))
	})
	c.mu.Unlock()

	c.logger.Debug("command sent",
		"key", key,
		"command", cmd.Command,
		"topic", req.CommandTopic,
		"timeout", timeout,
	)

	if err := c.mux.Connection().Publish(ctx, req.CommandTopic, payload, false); err != nil {
		c.settle(op, nil, err)
	}

	select {
	case res := <-op.done:
		return res.resp, res.err
	case <-ctx.Done():
		c.settle(op, nil, fmt.Errorf("%w: %s: %w", ErrCancelled, key, ctx.Err()))
		res := <-op.done
		return res.resp, res.err
	}
}

// Cancel settles the pending operation for key with ErrCancelled.
// It reports false if nothing was pending or the operation had already settled.
func (c *Correlator) Cancel(key string) bool {
	c.mu.Lock()
	op, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.settle(op, nil, fmt.Errorf("%w: %s", ErrCancelled, key))
}

// Pending reports whether an operation is waiting under key.
func (c *Correlator) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// PendingCount returns the number of unsettled operations.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close settles every pending operation with ErrCorrelatorClosed and drops
// the response subscriptions. Later calls fail with ErrCorrelatorClosed.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ops := make([]*pendingOp, 0, len(c.pending))
	for _, op := range c.pending {
		ops = append(ops, op)
	}
	c.mu.Unlock()

	for _, op := range ops {
		c.settle(op, nil, ErrCorrelatorClosed)
	}

	c.subMu.Lock()
	subs := c.responseSubs
	c.responseSubs = make(map[string]HandlerID)
	c.subMu.Unlock()

	for topic, id := range subs {
		if err := c.mux.Unsubscribe(topic, id); err != nil {
			c.logger.Debug("dropping response subscription failed", "topic", topic, "error", err)
		}
	}
}

// settle completes op once. Later attempts are no-ops and report false.
func (c *Correlator) settle(op *pendingOp, resp *Response, err error) bool {
	c.mu.Lock()
	if op.settled {
		c.mu.Unlock()
		return false
	}
	op.settled = true
	if cur, ok := c.pending[op.key]; ok && cur == op {
		delete(c.pending, op.key)
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	c.mu.Unlock()

	op.done <- callResult{resp: resp, err: err}
	return true
}

// ensureResponseSubscription keeps one live handle per response topic.
// A handle removed from the multiplexer by someone else is replaced.
// Concurrent first calls on a topic share one subscribe, which runs
// without holding subMu.
func (c *Correlator) ensureResponseSubscription(ctx context.Context, topic string) error {
	if c.hasResponseSub(topic) {
		return nil
	}
	_, err, _ := c.subFlight.Do(topic, func() (any, error) {
		if c.hasResponseSub(topic) {
			return nil, nil
		}
		id, err := c.mux.Subscribe(ctx, topic, c.handleResponse)
		if err != nil {
			return nil, err
		}

		// Close flips closed before taking subMu, so a handle stored here
		// is always seen by Close.
		c.subMu.Lock()
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.responseSubs[topic] = id
		}
		c.subMu.Unlock()

		if closed {
			if err := c.mux.Unsubscribe(topic, id); err != nil {
				c.logger.Debug("dropping response subscription failed", "topic", topic, "error", err)
			}
			return nil, ErrCorrelatorClosed
		}
		return nil, nil
	})
	return err
}

func (c *Correlator) hasResponseSub(topic string) bool {
	c.subMu.Lock()
	id, ok := c.responseSubs[topic]
	c.subMu.Unlock()
	return ok && c.mux.hasHandle(topic, id)
}

// handleResponse matches an inbound response to its pending operation.
func (c *Correlator) handleResponse(topic string, payload []byte) error {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	resp.Topic = topic

	key, ok := c.strategy.Match(&resp)
	if !ok {
		c.logger.Debug("response without correlation key", "topic", topic)
		return nil
	}

	c.mu.Lock()
	op, ok := c.pending[key]
	c.mu.Unlock()
	if !ok || !mqtt.TopicMatches(op.responseTopic, topic) {
		c.logger.Debug("unmatched response dropped", "topic", topic, "key", key)
		return nil
	}

	success, known := resp.Outcome()
	switch {
	case !known:
		c.settle(op, &resp, fmt.Errorf("%w: %s", ErrMalformedResponse, key))
	case !success:
		c.settle(op, &resp, &RejectedError{
			Key:      key,
			Status:   resp.Status,
			Message:  firstNonEmpty(resp.Message, resp.Error),
			Response: &resp,
		})
	default:
		c.settle(op, &resp, nil)
	}
	return nil
}

// IsTimeout reports whether err is a correlator timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
