package imap

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// conn wraps an IMAP client with a mutex for thread-safe access.
// Every borrower of a user's connection shares it, so commands are serialized.
type conn struct {
	client   *client.Client
	mu       sync.Mutex
	lastUsed atomic.Int64 // unix nanoseconds
}

func newConn(c *client.Client) *conn {
	cn := &conn{client: c}
	cn.touch()
	return cn
}

// touch updates the lastUsed timestamp to now.
func (c *conn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// idleFor returns how long the connection has not been used.
func (c *conn) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastUsed.Load()))
}

// alive reports whether the connection can be reused. A connection idle for
// longer than healthCheckThreshold gets a NOOP first, unless it is busy,
// in which case it is evidently working.
func (c *conn) alive() bool {
	state := c.client.State()
	if state != imap.AuthenticatedState && state != imap.SelectedState {
		return false
	}
	if c.idleFor() <= healthCheckThreshold {
		return true
	}
	if !c.mu.TryLock() {
		return true
	}
	defer c.mu.Unlock()

	if err := c.client.Noop(); err != nil {
		return false
	}
	c.touch()
	return true
}

// logout closes the connection, waiting for a command in progress to finish.
func (c *conn) logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client.State() == imap.LogoutState {
		return nil
	}
	return c.client.Logout()
}

// ConnectToIMAP connects to the IMAP server with a 5-second timeout.
// useTLS: true for production (TLS), false for tests (non-TLS).
func ConnectToIMAP(server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	// Non-TLS connection for testing
	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return c, nil
}

// Login authenticates with the IMAP server.
func Login(c *client.Client, username, password string) error {
	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	return nil
}
