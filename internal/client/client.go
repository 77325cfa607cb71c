// Package client is the presentation-side end of a relay connection: it
// sends the client name and outbound lines, and hands inbound records to a
// sink supplied by the console or GUI.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/andy6609/chat-relay/internal/protocol"
)

type options struct {
	dialTimeout time.Duration
	retryFor    time.Duration
}

type Option func(*options)

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithRetry keeps retrying refused connections for up to d. Zero disables
// retries.
func WithRetry(d time.Duration) Option {
	return func(o *options) { o.retryFor = d }
}

// Client is one connection to the relay.
type Client struct {
	name string
	conn net.Conn
	in   *protocol.Reader

	mu  sync.Mutex
	out *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr and announces name.
func Dial(ctx context.Context, addr, name string, opts ...Option) (*Client, error) {
	o := options{dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	var conn net.Conn
	connect := func() error {
		d := net.Dialer{Timeout: o.dialTimeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil || o.retryFor <= 0 {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = o.retryFor
	if err := backoff.Retry(connect, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		name: name,
		conn: conn,
		in:   protocol.NewReader(conn),
		out:  bufio.NewWriter(conn),
	}
	if err := c.Send(name); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send name: %w", err)
	}
	return c, nil
}

func (c *Client) Name() string { return c.name }

// Send writes one line. Lines must not contain a newline and are limited to
// protocol.MaxLineSize bytes.
func (c *Client) Send(line string) error {
	if len(line) > protocol.MaxLineSize {
		return fmt.Errorf("send: %w", protocol.ErrLineTooLong)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.out.WriteString(line + "\n"); err != nil {
		return err
	}
	return c.out.Flush()
}

// Receive blocks for the next record from the relay.
func (c *Client) Receive() (protocol.Message, error) {
	return c.in.ReadMessage()
}

func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Run forwards every line of lines to the relay and every inbound record to
// sink until the relay closes the stream or ctx is cancelled. The
// connection is closed on return. Reading lines continues in the
// background if it is still blocked at that point.
func (c *Client) Run(ctx context.Context, lines io.Reader, sink func(protocol.Message)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.receiveAll(sink)
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = c.Close()
		return nil
	})
	go func() {
		if err := c.sendAll(lines); err != nil {
			cancel()
		}
	}()
	return g.Wait()
}

func (c *Client) receiveAll(sink func(protocol.Message)) error {
	for {
		m, err := c.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		sink(m)
	}
}

func (c *Client) sendAll(lines io.Reader) error {
	scanner := bufio.NewScanner(lines)
	for scanner.Scan() {
		if err := c.Send(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
