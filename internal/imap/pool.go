package imap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vdavid/vmail-leases/internal/lease"
	"golang.org/x/sync/errgroup"
)

const (
	// workerIdleTimeout is the maximum time a connection can be idle before being closed.
	workerIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we perform a health check before reuse.
	healthCheckThreshold = 1 * time.Minute
	// cleanupInterval is how often idle connections are looked for.
	cleanupInterval = 1 * time.Minute
	// defaultCloseTimeout bounds how long Close waits for borrowers before logging out anyway.
	defaultCloseTimeout = 5 * time.Second
	// defaultReconnectTimeout bounds how long replacing a dead connection waits for its borrowers.
	defaultReconnectTimeout = 5 * time.Second
	// maxAcquireAttempts covers losing the race against a concurrent retraction.
	maxAcquireAttempts = 2
)

var (
	// ErrPoolClosed is returned by GetClient after Close.
	ErrPoolClosed = errors.New("imap pool is closed")
	// ErrConnectionUnavailable is returned when the user's connection keeps being retracted.
	ErrConnectionUnavailable = errors.New("imap connection unavailable")
)

// userEntry holds one user's connection. The lease holder tracks who borrowed it;
// the entry lock serializes connecting, retracting and logging out.
type userEntry struct {
	sem     chan struct{}
	holder  *lease.Holder[IMAPClient]
	current *conn
	removed bool
}

func newUserEntry(holder *lease.Holder[IMAPClient]) *userEntry {
	return &userEntry{sem: make(chan struct{}, 1), holder: holder}
}

// lock takes the entry lock, giving up when ctx is done.
func (e *userEntry) lock(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *userEntry) tryLock() bool {
	select {
	case e.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *userEntry) unlock() {
	<-e.sem
}

// Pool manages one shared IMAP connection per user.
//
// Every GetClient call takes a lease on the user's connection, and the returned
// release function gives it back. The connection is only closed once all
// leases are released, or reclaimed by the leak detector when enabled.
type Pool struct {
	entries      map[string]*userEntry // userID -> connection
	mu           sync.RWMutex
	holderOpts   []lease.Option
	onHolder     []func(*lease.Holder[IMAPClient])
	logger       *slog.Logger
	useTLS       bool
	closeTimeout time.Duration

	// reconnectTimeout bounds how long replacing a dead connection waits for its borrowers.
	reconnectTimeout time.Duration

	closed        bool
	closeOnce     sync.Once
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// NewPool creates a new IMAP connection pool. opts are applied to every user's
// lease holder, typically lease.WithDetector and lease.WithLogger.
func NewPool(opts ...lease.Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		entries:          make(map[string]*userEntry),
		holderOpts:       opts,
		logger:           slog.Default().With("component", "imap_pool"),
		useTLS:           os.Getenv("VMAIL_TEST_MODE") != "true",
		closeTimeout:     defaultCloseTimeout,
		reconnectTimeout: defaultReconnectTimeout,
		cleanupCtx:       ctx,
		cleanupCancel:    cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// OnHolder registers fn to be called with every user's lease holder, including
// the ones created before the call.
func (p *Pool) OnHolder(fn func(*lease.Holder[IMAPClient])) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onHolder = append(p.onHolder, fn)
	for _, e := range p.entries {
		fn(e.holder)
	}
}

// GetClient gets or creates an IMAP client for a user.
// Implements IMAPPool interface - returns IMAPClient and a release function
// that must be called when the caller is done with the client.
func (p *Pool) GetClient(ctx context.Context, userID, server, username, password string) (IMAPClient, func(), error) {
	ctx = lease.WithBorrower(ctx, borrowerFor(ctx, userID))

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		entry, err := p.getOrCreateEntry(userID)
		if err != nil {
			return nil, nil, err
		}

		connected, err := p.ensureConnected(ctx, entry, server, username, password)
		if err != nil {
			return nil, nil, err
		}
		if !connected {
			// The entry was removed while we waited for it.
			continue
		}

		if handle, ok := entry.holder.Acquire(ctx); ok {
			return handle.Resource(), handle.Release, nil
		}
	}
	return nil, nil, fmt.Errorf("%w for user %s", ErrConnectionUnavailable, userID)
}

// borrowerFor keeps a borrower set by the caller and otherwise labels the lease with the user.
func borrowerFor(ctx context.Context, userID string) lease.Borrower {
	b := lease.BorrowerFromContext(ctx)
	if strings.HasPrefix(string(b), "goroutine-") {
		return lease.Borrower(userID + "/" + string(b))
	}
	return b
}

func (p *Pool) getOrCreateEntry(userID string) (*userEntry, error) {
	// First check without lock
	p.mu.RLock()
	entry, exists := p.entries[userID]
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return nil, ErrPoolClosed
	}
	if exists {
		return entry, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	// Double-check: another goroutine might have created it
	if entry, exists := p.entries[userID]; exists {
		return entry, nil
	}

	entry = newUserEntry(lease.NewHolder[IMAPClient]("imap:"+userID, interceptClient, p.holderOpts...))
	for _, fn := range p.onHolder {
		fn(entry.holder)
	}
	p.entries[userID] = entry
	return entry, nil
}

// ensureConnected makes sure a live connection is published in entry.
// It returns false if the entry was removed from the pool in the meantime.
func (p *Pool) ensureConnected(ctx context.Context, entry *userEntry, server, username, password string) (bool, error) {
	if err := entry.lock(ctx); err != nil {
		return false, fmt.Errorf("waiting for imap connection of %s: %w", entry.holder.Name(), err)
	}
	defer entry.unlock()

	if entry.removed {
		return false, nil
	}

	if entry.current != nil {
		if entry.current.alive() {
			return true, nil
		}
		p.logger.Warn("imap connection is dead, reconnecting", "holder", entry.holder.Name())
		drainCtx, cancel := context.WithTimeout(ctx, p.reconnectTimeout)
		err := p.retract(drainCtx, entry)
		cancel()
		if err != nil {
			return false, fmt.Errorf("%w: dead connection of %s still borrowed: %w",
				ErrConnectionUnavailable, entry.holder.Name(), err)
		}
	}

	c, err := ConnectToIMAP(server, p.useTLS)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}

	if err := Login(c, username, password); err != nil {
		_ = c.Logout()
		return false, fmt.Errorf("failed to login: %w", err)
	}

	cn := newConn(c)
	if !entry.holder.Publish(&pooledClient{conn: cn}) {
		// Only reachable if something outside the pool published into the holder.
		_ = c.Logout()
		return true, nil
	}
	entry.current = cn
	return true, nil
}

// retract withdraws the entry's connection once its borrowers are done and logs it out.
// The caller must hold the entry lock.
func (p *Pool) retract(ctx context.Context, entry *userEntry) error {
	if err := entry.holder.Retract(ctx); err != nil {
		return fmt.Errorf("failed to retract imap connection: %w", err)
	}
	if entry.current != nil {
		if err := entry.current.logout(); err != nil {
			p.logger.Debug("logout after retract failed", "holder", entry.holder.Name(), "error", err)
		}
		entry.current = nil
	}
	return nil
}

// RemoveClient retracts and closes a user's connection. It waits until every
// borrower released it or ctx is done. On error the connection stays in the pool.
func (p *Pool) RemoveClient(ctx context.Context, userID string) error {
	p.mu.RLock()
	entry, exists := p.entries[userID]
	p.mu.RUnlock()
	if !exists {
		return nil
	}

	if err := entry.lock(ctx); err != nil {
		return fmt.Errorf("waiting for imap connection of %s: %w", entry.holder.Name(), err)
	}
	defer entry.unlock()

	if err := p.retract(ctx, entry); err != nil {
		return err
	}
	p.detach(userID, entry)
	return nil
}

// detach removes entry from the pool. The caller must hold the entry lock.
func (p *Pool) detach(userID string, entry *userEntry) {
	entry.removed = true
	entry.holder.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[userID] == entry {
		delete(p.entries, userID)
	}
}

// Stats describes every user's connection holder, sorted by name.
func (p *Pool) Stats() []lease.Stats {
	p.mu.RLock()
	holders := make([]*lease.Holder[IMAPClient], 0, len(p.entries))
	for _, e := range p.entries {
		holders = append(holders, e.holder)
	}
	p.mu.RUnlock()

	stats := make([]lease.Stats, 0, len(holders))
	for _, h := range holders {
		stats = append(stats, h.Stats())
	}
	slices.SortFunc(stats, func(a, b lease.Stats) int { return strings.Compare(a.Name, b.Name) })
	return stats
}

// Close closes all connections in the pool and stops the cleanup goroutine.
// Entries are closed in parallel, and borrowers share one closeTimeout to
// release their clients before the connections are logged out regardless.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.cleanupCancel()

		p.mu.Lock()
		p.closed = true
		entries := make(map[string]*userEntry, len(p.entries))
		for userID, e := range p.entries {
			entries[userID] = e
		}
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.closeTimeout)
		defer cancel()

		var g errgroup.Group
		for userID, entry := range entries {
			g.Go(func() error {
				p.closeEntry(ctx, userID, entry)
				return nil
			})
		}
		_ = g.Wait()
	})
}

func (p *Pool) closeEntry(ctx context.Context, userID string, entry *userEntry) {
	if err := entry.lock(ctx); err != nil {
		// Someone is still connecting or draining it; the pool is closed, so nothing reuses it.
		p.logger.Error("imap connection busy at close, abandoning it", "user_id", userID, "error", err)
		entry.holder.Close()
		return
	}
	defer entry.unlock()

	if err := p.retract(ctx, entry); err != nil {
		p.logger.Error("closing imap connection with outstanding leases",
			"user_id", userID,
			"active", entry.holder.Active(),
			"error", err,
		)
		if entry.current != nil {
			// Borrowers still holding it get errors from the closed connection.
			_ = entry.current.client.Logout()
			entry.current = nil
		}
	}
	p.detach(userID, entry)
}
