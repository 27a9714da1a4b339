package simperium

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/simperium/simperium.go/pkg/connection"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/metrics"
	"github.com/simperium/simperium.go/pkg/relationship"
	"github.com/simperium/simperium.go/pkg/schema"
	"github.com/simperium/simperium.go/pkg/storage"
)

// Options tune a Client. The zero value is usable.
type Options struct {
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	// Delegate is registered first. More can be added with AddDelegate.
	Delegate Delegate

	// BucketNames maps local bucket names to the remote bucket they sync
	// with. Buckets not listed use their local name.
	BucketNames map[string]string

	// IndexPageSize is the number of objects per index page.
	IndexPageSize int
	// MaxConflictRetries bounds the rebases of one change before it is
	// deferred to the next connection.
	MaxConflictRetries int
}

// Client owns the transport, the bucket registry and the services shared
// by the buckets. The storage is borrowed: Close does not close it.
type Client struct {
	transport *connection.Transport
	store     storage.Storage
	resolver  *relationship.Resolver
	opts      Options
	log       logger.Logger
	delegates *delegates

	buckets *xsync.MapOf[string, *Bucket]
}

// New creates a client syncing into store over a transport configured by
// cfg. Options.Logger, when set, replaces the logger of cfg. Nothing is
// sent before Connect.
func New(cfg *connection.Config, store storage.Storage, opts Options) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("simperium: nil config")
	}
	if store == nil {
		return nil, errors.New("simperium: nil storage")
	}
	c := *cfg
	if opts.Logger != nil {
		c.Logger = opts.Logger
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if c.Metrics == nil {
		c.Metrics = opts.Metrics
	}
	ds := &delegates{}
	if opts.Delegate != nil {
		ds.add(opts.Delegate)
	}
	t, err := connection.New(&c)
	if err != nil {
		return nil, err
	}
	return &Client{
		transport: t,
		store:     store,
		resolver:  relationship.NewResolver(opts.Logger),
		opts:      opts,
		log:       opts.Logger,
		delegates: ds,
		buckets:   xsync.NewMapOf[string, *Bucket](),
	}, nil
}

// AddDelegate registers d for the events of every bucket.
func (c *Client) AddDelegate(d Delegate) {
	c.delegates.add(d)
}

// RemoveDelegate unregisters d and reports whether it was registered.
// Delegates are matched with ==, so d must be comparable; pointers are.
func (c *Client) RemoveDelegate(d Delegate) bool {
	return c.delegates.remove(d)
}

// Bucket registers and starts the bucket described by s.
func (c *Client) Bucket(ctx context.Context, s *schema.Schema) (*Bucket, error) {
	b := newBucket(s, bucketOptions{
		remote:     c.opts.BucketNames[s.Name()],
		pageSize:   c.opts.IndexPageSize,
		maxRetries: c.opts.MaxConflictRetries,
		resolver:   c.resolver,
		store:      c.store,
		transport:  c.transport,
		delegate:   c.delegates,
		log:        c.log,
		metrics:    c.opts.Metrics,
	})
	if _, loaded := c.buckets.LoadOrStore(s.Name(), b); loaded {
		b.queue.Stop()
		return nil, fmt.Errorf("%w: %s", constants.ErrBucketExists, s.Name())
	}
	if err := b.Start(ctx); err != nil {
		c.buckets.Delete(s.Name())
		b.close()
		return nil, err
	}
	return b, nil
}

// Lookup returns the bucket registered under name.
func (c *Client) Lookup(name string) (*Bucket, error) {
	b, ok := c.buckets.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", constants.ErrUnknownBucket, name)
	}
	return b, nil
}

// Buckets returns the names of the registered buckets, sorted.
func (c *Client) Buckets() []string {
	var names []string
	c.buckets.Range(func(name string, _ *Bucket) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

func (c *Client) ClientID() string {
	return c.transport.ClientID()
}

// State returns the state of the shared transport.
func (c *Client) State() connection.State {
	return c.transport.State()
}

// Connect is SetNetworkEnabled(ctx, true).
func (c *Client) Connect(ctx context.Context) error {
	return c.SetNetworkEnabled(ctx, true)
}

// SetNetworkEnabled connects or disconnects the transport. Local edits
// keep being recorded while disconnected and are sent on the next
// connection.
func (c *Client) SetNetworkEnabled(ctx context.Context, enabled bool) error {
	if !enabled {
		return c.transport.Disconnect(ctx)
	}
	switch c.transport.State() {
	case connection.StateConnected, connection.StateReconnecting:
		return nil
	}
	return c.transport.Connect(ctx)
}

// SetToken replaces the access token, for instance after an
// authentication failure. Refused buckets authenticate again.
func (c *Client) SetToken(token string) {
	c.transport.SetToken(token)
}

// ClearLocalData removes every object, cursor, pending change and
// deferred relationship. Connected buckets download their index again.
func (c *Client) ClearLocalData(ctx context.Context) error {
	var errs []error
	c.buckets.Range(func(_ string, b *Bucket) bool {
		errs = append(errs, b.reset(ctx))
		return true
	})
	errs = append(errs, c.store.Clear(ctx, constants.RelationshipsBucket))
	return errors.Join(errs...)
}

// Close disconnects and stops every bucket. The client cannot be used
// afterwards.
func (c *Client) Close(ctx context.Context) error {
	err := c.transport.Close(ctx)
	c.buckets.Range(func(name string, b *Bucket) bool {
		b.close()
		c.buckets.Delete(name)
		return true
	})
	return err
}
