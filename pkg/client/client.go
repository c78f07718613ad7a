// Package client talks to a pagedb server over its line protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ServerError is an ERROR reply. Kind is the server's error taxonomy bucket,
// e.g. "storage_full" or "usage".
type ServerError struct {
	Kind    string
	Message string
}

func (e *ServerError) Error() string { return fmt.Sprintf("server error (%s): %s", e.Kind, e.Message) }

// Record is one key/value pair returned by Scan.
type Record struct {
	Key   string
	Value string
}

type Options struct {
	// MaxConns bounds the open connections. Defaults to 4.
	MaxConns    int
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Client is safe for concurrent use. Connections are dialed on demand and
// reused.
type Client struct {
	addr   string
	pool   *connPool
	logger *zap.Logger
}

func New(addr string, opts Options) *Client {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 4
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	return &Client{
		addr: addr,
		pool: newConnPool(opts.MaxConns, func(ctx context.Context) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		}),
		logger: opts.Logger.Named("client"),
	}
}

// Close closes the client's connections.
func (c *Client) Close() { c.pool.close() }

func (c *Client) Put(ctx context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if strings.ContainsAny(value, "\r\n") || strings.TrimSpace(value) == "" {
		return fmt.Errorf("value must be a single non-blank line")
	}
	_, _, err := c.roundTrip(ctx, "PUT "+key+" "+value)
	return err
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	if err := checkKey(key); err != nil {
		return "", false, err
	}
	status, msg, _, err := c.do(ctx, "GET "+key)
	if err != nil || status == "NOT_FOUND" {
		return "", false, err
	}
	return msg, true, nil
}

func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	status, _, _, err := c.do(ctx, "DELETE "+key)
	return err == nil && status == "OK", err
}

// Scan returns up to limit records with keys >= from. An empty from starts
// at the smallest key; limit <= 0 takes the server's maximum.
func (c *Client) Scan(ctx context.Context, from string, limit int) ([]Record, error) {
	line := "SCAN"
	if from != "" {
		if err := checkKey(from); err != nil {
			return nil, err
		}
		line += " " + from
		if limit > 0 {
			line += " " + strconv.Itoa(limit)
		}
	} else if limit > 0 {
		return nil, errors.New("a scan limit needs a start key")
	}
	_, items, err := c.roundTrip(ctx, line)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		k, v, _ := strings.Cut(item, " ")
		records = append(records, Record{Key: k, Value: v})
	}
	return records, nil
}

// Size returns the number of records in the store.
func (c *Client) Size(ctx context.Context) (int64, error) {
	msg, _, err := c.roundTrip(ctx, "SIZE")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(msg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed SIZE reply %q", msg)
	}
	return n, nil
}

// Stats returns the server's statistics as key=value pairs.
func (c *Client) Stats(ctx context.Context) (map[string]string, error) {
	msg, _, err := c.roundTrip(ctx, "STATS")
	if err != nil {
		return nil, err
	}
	stats := make(map[string]string)
	for _, field := range strings.Fields(msg) {
		k, v, ok := strings.Cut(field, "=")
		if ok {
			stats[k] = v
		}
	}
	return stats, nil
}

func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return fmt.Errorf("key %q must be a single non-empty word", key)
	}
	return nil
}

// roundTrip is do for requests that must succeed with OK.
func (c *Client) roundTrip(ctx context.Context, line string) (string, []string, error) {
	status, msg, items, err := c.do(ctx, line)
	if err != nil {
		return "", nil, err
	}
	if status != "OK" {
		return "", nil, fmt.Errorf("unexpected %s reply to %s", status, strings.Fields(line)[0])
	}
	return msg, items, nil
}

// do sends one request and reads its reply up to the status line.
func (c *Client) do(ctx context.Context, line string) (status, msg string, items []string, err error) {
	conn, err := c.pool.get(ctx)
	if err != nil {
		return "", "", nil, err
	}
	broken := true
	defer func() { c.pool.put(conn, broken) }()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", "", nil, fmt.Errorf("send to %s: %w", c.addr, err)
	}
	for {
		reply, err := conn.r.ReadString('\n')
		if err != nil {
			return "", "", nil, fmt.Errorf("read from %s: %w", c.addr, err)
		}
		reply = strings.TrimRight(reply, "\r\n")
		status, rest, _ := strings.Cut(reply, " ")
		switch status {
		case "ITEM":
			items = append(items, rest)
		case "OK", "NOT_FOUND":
			broken = false
			return status, rest, items, nil
		case "ERROR":
			broken = false
			kind, text, _ := strings.Cut(rest, " ")
			return "", "", nil, &ServerError{Kind: kind, Message: text}
		default:
			c.logger.Warn("unexpected reply", zap.String("addr", c.addr), zap.String("reply", reply))
			return "", "", nil, fmt.Errorf("unexpected reply %q", reply)
		}
	}
}
