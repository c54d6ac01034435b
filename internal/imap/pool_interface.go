package imap

import (
	"context"

	"github.com/emersion/go-imap"
	"github.com/vdavid/vmail-leases/internal/lease"
	"github.com/vdavid/vmail-leases/internal/models"
)

// IMAPClient defines the interface for IMAP client operations needed by handlers.
// This allows handlers to be tested with mock implementations.
// Note: The stutter in the naming is intentional because go-imap already has a client.Client.
//
// With leak detection enabled, every method returns lease.ErrStaleHandle once
// the lease the client was obtained with has been reclaimed.
//
//goland:noinspection GoNameStartsWithPackageName
type IMAPClient interface {
	// ListFolders lists all folders on the IMAP server.
	ListFolders() ([]*models.Folder, error)
	// SelectFolder selects a folder and returns its status.
	SelectFolder(name string, readOnly bool) (*imap.MailboxStatus, error)
	// Noop pings the server.
	Noop() error
}

// IMAPPool defines the interface for the IMAP connection pool.
// This allows handlers to be tested with mock implementations.
// Note: The stutter in the naming is intentional because we have a struct called Pool.
//
//goland:noinspection GoNameStartsWithPackageName
type IMAPPool interface {
	// GetClient gets or creates an IMAP client for a user.
	// Callers must always call the returned release function when they are done with the client.
	GetClient(ctx context.Context, userID, server, username, password string) (IMAPClient, func(), error)

	// RemoveClient retracts and closes a user's connection, waiting for its borrowers to release it.
	RemoveClient(ctx context.Context, userID string) error

	// Stats describes the connection holder of every user.
	Stats() []lease.Stats

	// Close closes all connections in the pool.
	Close()
}

// Ensure Pool implements IMAPPool interface
var _ IMAPPool = (*Pool)(nil)
