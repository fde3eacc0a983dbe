package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client batches bridge telemetry into one bucket. Writes never block the
// caller; failed batches surface through SetOnError.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      config.InfluxDBConfig

	open      atomic.Bool
	closeOnce sync.Once

	errMu   sync.RWMutex
	onError func(err error)
}

// Option customises Connect.
type Option func(*influxdb2.Options)

// WithDefaultTag stamps every point written by the client with key=value.
func WithDefaultTag(key, value string) Option {
	return func(o *influxdb2.Options) {
		o.AddDefaultTag(key, value)
	}
}

// Connect pings the server and sets up the non-blocking write API.
// Non-positive batch settings fall back to 100 points and 10 seconds.
func Connect(cfg config.InfluxDBConfig, options ...Option) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batchSize(cfg)).
		SetFlushInterval(flushIntervalMillis(cfg))
	for _, opt := range options {
		opt(opts)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		cfg:      cfg,
	}
	c.open.Store(true)
	go c.forwardErrors(c.writeAPI.Errors())

	return c, nil
}

func batchSize(cfg config.InfluxDBConfig) uint {
	if cfg.BatchSize <= 0 {
		return fallbackBatchSize
	}
	return uint(cfg.BatchSize)
}

func flushIntervalMillis(cfg config.InfluxDBConfig) uint {
	d := time.Duration(cfg.FlushInterval) * time.Second
	if d <= 0 {
		d = fallbackFlushInterval
	}
	return uint(d.Milliseconds())
}

func ping(ctx context.Context, client influxdb2.Client) error {
	ok, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("ping: server not healthy")
	}
	return nil
}

// forwardErrors drains the write API's error channel until the client
// closes it. Errors are dropped when no callback is set.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.errMu.RLock()
		fn := c.onError
		c.errMu.RUnlock()
		if fn != nil {
			fn(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// SetOnError registers fn for failed batches. Pass nil to stop.
func (c *Client) SetOnError(fn func(err error)) {
	c.errMu.Lock()
	c.onError = fn
	c.errMu.Unlock()
}

// IsConnected is true between Connect and Close. It does not ping; use
// HealthCheck for that.
func (c *Client) IsConnected() bool {
	return c.open.Load()
}

// HealthCheck pings the server, bounded by ctx and a five second cap.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush pushes buffered points now. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}

// Close flushes pending points and releases the client. Safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.client == nil {
			return
		}
		c.writeAPI.Flush()
		c.open.Store(false)
		c.client.Close()
	})
	return nil
}
