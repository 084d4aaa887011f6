// Package connection implements one NNTP session over a single TCP
// (optionally TLS) socket: connect, authenticate, join a group, issue a
// request, and read the response line by line. Unlike net/textproto, every
// blocking operation honors an asynchronous cancel() so a worker thread
// can be pulled out of a stuck read.
package connection

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle of a Connection.
type State int

const (
	Disconnected State = iota
	Connected
	Cancelled
)

// Connection is one leased socket to a NewsServer. It is not safe for
// concurrent use by more than one goroutine; the Pool hands it to exactly
// one worker at a time.
type Connection struct {
	Host string
	Port int
	TLS  bool

	// Username/Password drive AUTHINFO USER/PASS after the greeting.
	// Left empty, Connect skips authentication entirely.
	Username string
	Password string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// SuppressErrors silences the Warning/Error log level for a cancelled
	// read or connect during shutdown, logging at Debug instead.
	SuppressErrors bool

	mu    sync.Mutex
	state State
	conn  net.Conn
	r     *bufio.Reader

	authError bool

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// New builds a Connection targeting host:port. It does not dial.
func New(host string, port int, useTLS bool) *Connection {
	return &Connection{
		Host:           host,
		Port:           port,
		TLS:            useTLS,
		ConnectTimeout: 15 * time.Second,
		ReadTimeout:    60 * time.Second,
		state:          Disconnected,
		cancelCh:       make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AuthError reports whether the last authenticate() call failed.
func (c *Connection) AuthError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authError
}

// Cancel unblocks any pending read/connect promptly and idempotently.
// After Cancel the connection is not reusable.
func (c *Connection) Cancel() {
	c.cancelOnce.Do(func() {
		close(c.cancelCh)
	})
	c.mu.Lock()
	if c.state != Disconnected {
		c.state = Cancelled
	}
	if c.conn != nil {
		// Unblocks any goroutine parked in a Read by forcing an
		// immediate deadline in the past.
		c.conn.SetDeadline(time.Now().Add(-time.Second))
	}
	c.mu.Unlock()
}

func (c *Connection) cancelled() bool {
	select {
	case <-c.cancelCh:
		return true
	default:
		return false
	}
}

// Connect dials the server, honoring ConnectTimeout, and reads the
// greeting line (200/201). Returns ErrCancelled if Cancel was already
// called.
func (c *Connection) Connect() error {
	if c.cancelled() {
		return ErrCancelled
	}

	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	dialer := net.Dialer{Timeout: c.ConnectTimeout, Cancel: c.cancelCh}

	var (
		conn net.Conn
		err  error
	)
	if c.TLS {
		tlsConf := &tls.Config{ServerName: c.Host, MinVersion: tls.VersionTLS12}
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, tlsConf)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		if c.cancelled() {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	c.mu.Lock()
	if c.state == Cancelled {
		c.mu.Unlock()
		conn.Close()
		return ErrCancelled
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.state = Connected
	c.mu.Unlock()

	line, _, err := c.ReadLine(512)
	if err != nil {
		c.Disconnect()
		return fmt.Errorf("%w: greeting: %v", ErrConnect, err)
	}
	code := responseCode(line)
	if code != 200 && code != 201 {
		c.Disconnect()
		return fmt.Errorf("%w: unexpected greeting %q", ErrConnect, line)
	}

	if err := c.Authenticate(c.Username, c.Password); err != nil {
		c.Disconnect()
		return err
	}
	return nil
}

// Authenticate performs AUTHINFO USER/PASS if user is non-empty.
func (c *Connection) Authenticate(user, pass string) error {
	if user == "" {
		return nil
	}
	line, err := c.Request(fmt.Sprintf("AUTHINFO USER %s", user))
	if err != nil {
		c.mu.Lock()
		c.authError = true
		c.mu.Unlock()
		return err
	}
	if responseCode(line) == 281 {
		return nil // some servers accept with username alone
	}
	if responseCode(line) != 381 {
		c.mu.Lock()
		c.authError = true
		c.mu.Unlock()
		return fmt.Errorf("%w: AUTHINFO USER: %q", ErrAuth, line)
	}

	line, err = c.Request(fmt.Sprintf("AUTHINFO PASS %s", pass))
	if err != nil {
		c.mu.Lock()
		c.authError = true
		c.mu.Unlock()
		return err
	}
	if responseCode(line) != 281 {
		c.mu.Lock()
		c.authError = true
		c.mu.Unlock()
		return fmt.Errorf("%w: AUTHINFO PASS: %q", ErrAuth, line)
	}
	return nil
}

// JoinGroup sends GROUP <name> and returns the response line verbatim.
func (c *Connection) JoinGroup(name string) (string, error) {
	return c.Request(fmt.Sprintf("GROUP %s", name))
}

// Request writes one command line (CRLF-terminated) and returns the
// single response line that follows.
func (c *Connection) Request(command string) (string, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != Connected || conn == nil {
		return "", ErrNotConnected
	}
	if c.cancelled() {
		return "", ErrCancelled
	}

	if dl := c.writeDeadline(); !dl.IsZero() {
		conn.SetWriteDeadline(dl)
	}
	if _, err := conn.Write([]byte(command + "\r\n")); err != nil {
		return "", c.classifyIOError(err)
	}
	line, _, err := c.ReadLine(1024)
	return line, err
}

// ReadLine reads exactly one CRLF- or LF-terminated line, stripping the
// terminator, or fails. It never merges or splits lines across calls.
func (c *Connection) ReadLine(maxLen int) (string, int, error) {
	c.mu.Lock()
	conn := c.conn
	reader := c.r
	state := c.state
	c.mu.Unlock()
	if state != Connected || reader == nil {
		return "", 0, ErrNotConnected
	}
	if c.cancelled() {
		return "", 0, ErrCancelled
	}

	if dl := c.readDeadline(); !dl.IsZero() && conn != nil {
		conn.SetReadDeadline(dl)
	}

	raw, err := reader.ReadString('\n')
	n := len(raw)
	if err != nil {
		return "", n, c.classifyIOError(err)
	}
	raw = strings.TrimSuffix(raw, "\n")
	raw = strings.TrimSuffix(raw, "\r")
	if maxLen > 0 && len(raw) > maxLen {
		return raw[:maxLen], n, nil
	}
	return raw, n, nil
}

// Disconnect closes the socket. Safe to call more than once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		if c.state != Cancelled {
			c.state = Disconnected
		}
		return err
	}
	if c.state != Cancelled {
		c.state = Disconnected
	}
	return nil
}

func (c *Connection) writeDeadline() time.Time {
	if c.ReadTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.ReadTimeout)
}

func (c *Connection) readDeadline() time.Time {
	if c.ReadTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.ReadTimeout)
}

func (c *Connection) classifyIOError(err error) error {
	if c.cancelled() {
		return ErrCancelled
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return fmt.Errorf("%w: %v", ErrConnect, err)
}

// responseCode parses the leading 3-digit NNTP status code; returns 0 if
// the line does not start with one.
func responseCode(line string) int {
	if len(line) < 3 {
		return 0
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0
	}
	return code
}

// ResponseCode exposes responseCode for callers driving the NNTP session
// above Connection (ArticleDownloader classifies ARTICLE/BODY responses).
func ResponseCode(line string) int {
	return responseCode(line)
}
