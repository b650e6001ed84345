package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RedisConfig holds the connection parameters of the lease backend.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

const (
	defaultRedisTimeout = 5 * time.Second
	redisKeyPrefix      = "carecache:"
)

// releaseScript deletes the key only while it still holds the caller's token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

var errRedisNil = errors.New("redis: nil reply")

// RedisClient speaks the handful of RESP commands the replay lease needs
// (AUTH, SELECT, SET NX PX, EVAL) over one mutex guarded connection.
type RedisClient struct {
	cfg    RedisConfig
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewRedisClient dials eagerly so a bad address fails at startup.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	client := &RedisClient{cfg: cfg}
	client.mu.Lock()
	err := client.connectLocked(context.Background())
	client.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Close drops the connection.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.reader = nil, nil
	return err
}

// Acquire implements Lease with SET NX PX. Re-acquiring a lease the owner
// already holds extends it.
func (c *RedisClient) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := leaseKey(name)
	millis := strconv.FormatInt(ttl.Milliseconds(), 10)

	reply, err := c.do(ctx, "SET", key, owner, "NX", "PX", millis)
	if errors.Is(err, errRedisNil) {
		current, getErr := c.do(ctx, "GET", key)
		if errors.Is(getErr, errRedisNil) {
			return false, nil
		}
		if getErr != nil {
			return false, getErr
		}
		if b, ok := current.([]byte); ok && string(b) == owner {
			_, err = c.do(ctx, "SET", key, owner, "XX", "PX", millis)
			return err == nil, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	status, _ := reply.(string)
	return strings.EqualFold(status, "OK"), nil
}

// Release implements Lease; a lease taken over by someone else is left alone.
func (c *RedisClient) Release(ctx context.Context, name, owner string) error {
	_, err := c.do(ctx, "EVAL", releaseScript, "1", leaseKey(name), owner)
	if errors.Is(err, errRedisNil) {
		return nil
	}
	return err
}

// Ping checks the connection with PING.
func (c *RedisClient) Ping(ctx context.Context) error {
	reply, err := c.do(ctx, "PING")
	if err != nil {
		return err
	}
	if status, _ := reply.(string); !strings.EqualFold(status, "PONG") {
		return fmt.Errorf("redis: unexpected PING reply %v", reply)
	}
	return nil
}

func leaseKey(name string) string {
	return redisKeyPrefix + "lease:" + strings.Trim(name, ":")
}

func (c *RedisClient) do(ctx context.Context, args ...string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	if err := c.conn.SetDeadline(deadline(ctx, c.cfg.Timeout)); err != nil {
		c.dropLocked()
		return nil, err
	}
	if err := writeCommand(c.conn, args); err != nil {
		c.dropLocked()
		return nil, err
	}

	reply, err := readReply(c.reader)
	var serverErr redisError
	if err != nil && !errors.Is(err, errRedisNil) && !errors.As(err, &serverErr) {
		c.dropLocked()
	}
	return reply, err
}

func (c *RedisClient) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.TLS {
		conn, err = (&tls.Dialer{NetDialer: &net.Dialer{}}).DialContext(dialCtx, "tcp", c.cfg.Address)
	} else {
		conn, err = (&net.Dialer{}).DialContext(dialCtx, "tcp", c.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("redis: dial %s: %w", c.cfg.Address, err)
	}
	reader := bufio.NewReader(conn)

	handshake := [][]string{}
	switch {
	case c.cfg.Username != "":
		handshake = append(handshake, []string{"AUTH", c.cfg.Username, c.cfg.Password})
	case c.cfg.Password != "":
		handshake = append(handshake, []string{"AUTH", c.cfg.Password})
	}
	if c.cfg.DB > 0 {
		handshake = append(handshake, []string{"SELECT", strconv.Itoa(c.cfg.DB)})
	}

	if err := conn.SetDeadline(deadline(dialCtx, c.cfg.Timeout)); err != nil {
		conn.Close()
		return err
	}
	for _, cmd := range handshake {
		if err := writeCommand(conn, cmd); err != nil {
			conn.Close()
			return err
		}
		reply, err := readReply(reader)
		if err != nil {
			conn.Close()
			return fmt.Errorf("redis: %s: %w", cmd[0], err)
		}
		if status, ok := reply.(string); !ok || !strings.EqualFold(status, "OK") {
			conn.Close()
			return fmt.Errorf("redis: %s failed: %v", cmd[0], reply)
		}
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return err
	}

	c.conn, c.reader = conn, reader
	return nil
}

func (c *RedisClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn, c.reader = nil, nil
}

func deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

// redisError is an error reply sent by the server; the connection stays usable.
type redisError string

func (e redisError) Error() string { return "redis: " + string(e) }

func writeCommand(w io.Writer, args []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(arg), arg)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func readReply(r *bufio.Reader) (any, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch kind {
	case '+':
		return line, nil
	case '-':
		return nil, redisError(line)
	case ':':
		return strconv.ParseInt(line, 10, 64)
	case '$':
		size, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, errRedisNil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return nil, errors.New("redis: bulk reply missing CRLF")
		}
		return buf[:size], nil
	case '*':
		count, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, errRedisNil
		}
		items := make([]any, count)
		for i := range items {
			item, err := readReply(r)
			if err != nil && !errors.Is(err, errRedisNil) {
				return nil, err
			}
			items[i] = item
		}
		return items, nil
	default:
		return nil, fmt.Errorf("redis: unexpected reply prefix %q", kind)
	}
}
