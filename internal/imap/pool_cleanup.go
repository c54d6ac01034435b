package imap

import (
	"context"
	"time"
)

// startCleanupGoroutine runs a background goroutine that periodically cleans up idle connections.
// The goroutine will stop when cleanupCtx is canceled (via Pool.Close()).
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(cleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case <-ticker.C:
				p.cleanupIdleConnections()
			}
		}
	}()
}

// cleanupIdleConnections closes connections that have been idle too long and
// that nobody holds a lease on.
func (p *Pool) cleanupIdleConnections() {
	p.mu.RLock()
	entries := make(map[string]*userEntry, len(p.entries))
	for userID, e := range p.entries {
		entries[userID] = e
	}
	p.mu.RUnlock()

	for userID, entry := range entries {
		// Busy entries are connecting or retracting, so not idle.
		if !entry.tryLock() {
			continue
		}
		if p.isIdle(entry) {
			p.closeIdle(userID, entry)
		}
		entry.unlock()
	}
}

// isIdle must be called with the entry lock held.
func (p *Pool) isIdle(entry *userEntry) bool {
	if entry.removed || entry.holder.Active() > 0 {
		return false
	}
	return entry.current == nil || entry.current.idleFor() > workerIdleTimeout
}

// closeIdle must be called with the entry lock held.
func (p *Pool) closeIdle(userID string, entry *userEntry) {
	// A borrower may acquire between the idle check and the retraction; don't wait long for it.
	ctx, cancel := context.WithTimeout(p.cleanupCtx, time.Second)
	defer cancel()

	if err := p.retract(ctx, entry); err != nil {
		p.logger.Debug("idle imap connection became busy, keeping it", "user_id", userID)
		return
	}
	p.logger.Info("closed idle imap connection", "user_id", userID)
	p.detach(userID, entry)
}
