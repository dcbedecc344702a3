package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/containment-core/internal/infrastructure/config"
)

// Write batching defaults. Liveness flips are rare and readings arrive every
// few seconds per device, so batches usually go out on the flush interval.
const (
	defaultBatchSize     = 500
	defaultFlushInterval = 5 // seconds
	pingTimeout          = 5 * time.Second
)

// Client writes liveness history and device readings to one bucket.
//
// Every point carries a "site" tag when a site id is set. Writes are
// batched and never block the caller; failed batches are reported through
// SetOnError.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	site     string

	mu      sync.RWMutex
	closed  bool
	onError func(err error)
}

// Connect pings the server at cfg.URL and opens a batched write API on
// cfg.Bucket.
//
// Parameters:
//   - cfg: influxdb section of the service config
//   - site: site id tagged on every point; empty omits the tag
//
// Returns:
//   - *Client: ready for writes
//   - error: ErrDisabled, or ErrUnreachable wrapping the ping failure
func Connect(cfg config.InfluxDBConfig, site string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(positiveOr(cfg.BatchSize, defaultBatchSize)).
		SetFlushInterval(positiveOr(cfg.FlushInterval, defaultFlushInterval) * uint(time.Second/time.Millisecond))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, cfg.URL, err)
	}

	c := newClient(client.WriteAPI(cfg.Org, cfg.Bucket), site)
	c.client = client
	return c, nil
}

// newClient wraps writeAPI and starts forwarding its batch errors.
func newClient(writeAPI api.WriteAPI, site string) *Client {
	c := &Client{writeAPI: writeAPI, site: site}
	go c.forwardErrors(writeAPI.Errors())
	return c
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		fn := c.onError
		c.mu.RUnlock()
		if fn != nil {
			fn(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// positiveOr converts v for the client options, falling back to def.
func positiveOr(v, def int) uint {
	if v <= 0 {
		v = def
	}
	return uint(v) // #nosec G115 -- v is positive
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return errors.New("server reports unhealthy")
	}
	return nil
}

// SetOnError registers fn for failed batch writes. Errors wrap ErrWriteFailed.
func (c *Client) SetOnError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// HealthCheck pings the server, bounded by ctx and a short timeout.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return nil
}

// IsConnected reports whether the client still accepts writes.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Flush sends buffered points now. It is a no-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}

// Close flushes buffered points and releases the client. Later writes are
// dropped. Closing twice is safe.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeAPI.Flush()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
