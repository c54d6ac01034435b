package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/vdavid/vmail-leases/internal/lease"
	"github.com/vdavid/vmail-leases/internal/models"
)

// pooledClient is the IMAPClient published for a user. Calls are serialized on the connection.
type pooledClient struct {
	conn *conn
}

func (c *pooledClient) ListFolders() ([]*models.Folder, error) {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	defer c.conn.touch()
	return ListFolders(c.conn.client)
}

func (c *pooledClient) SelectFolder(name string, readOnly bool) (*imap.MailboxStatus, error) {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	defer c.conn.touch()

	status, err := c.conn.client.Select(name, readOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", name, err)
	}
	return status, nil
}

func (c *pooledClient) Noop() error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	defer c.conn.touch()
	return c.conn.client.Noop()
}

// guardedClient refuses every call once the lease it was handed out with is revoked.
type guardedClient struct {
	guard *lease.Guard
	next  IMAPClient
}

// interceptClient is the lease.Interceptor for IMAP clients.
func interceptClient(g *lease.Guard, c IMAPClient) IMAPClient {
	return &guardedClient{guard: g, next: c}
}

func (c *guardedClient) ListFolders() ([]*models.Folder, error) {
	if err := c.guard.Check(); err != nil {
		return nil, err
	}
	return c.next.ListFolders()
}

func (c *guardedClient) SelectFolder(name string, readOnly bool) (*imap.MailboxStatus, error) {
	if err := c.guard.Check(); err != nil {
		return nil, err
	}
	return c.next.SelectFolder(name, readOnly)
}

func (c *guardedClient) Noop() error {
	if err := c.guard.Check(); err != nil {
		return err
	}
	return c.next.Noop()
}
