package lease

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// logBuffer collects log output from concurrent goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) Count(substr string) int {
	return strings.Count(b.String(), substr)
}

func newTestLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func borrower(name string) context.Context {
	return WithBorrower(context.Background(), Borrower(name))
}

// mailbox is a small capability set used to exercise interception.
type mailbox interface {
	Count() (int, error)
	Append(msg string) error
}

type memoryMailbox struct {
	mu       sync.Mutex
	messages []string
	failWith error
}

func (m *memoryMailbox) Count() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages), nil
}

func (m *memoryMailbox) Append(msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.messages = append(m.messages, msg)
	return nil
}

type guardedMailbox struct {
	guard *Guard
	next  mailbox
}

func interceptMailbox(g *Guard, m mailbox) mailbox {
	return &guardedMailbox{guard: g, next: m}
}

func (g *guardedMailbox) Count() (int, error) {
	if err := g.guard.Check(); err != nil {
		return 0, err
	}
	return g.next.Count()
}

func (g *guardedMailbox) Append(msg string) error {
	if err := g.guard.Check(); err != nil {
		return err
	}
	return g.next.Append(msg)
}

// recordingListener records the events it receives, in order, into a shared log.
type recordingListener struct {
	name   string
	events *[]string
	mu     *sync.Mutex
	err    error
	panics bool
}

func (l *recordingListener) Name() string { return l.name }

func (l *recordingListener) record(event string) error {
	l.mu.Lock()
	*l.events = append(*l.events, l.name+":"+event)
	l.mu.Unlock()
	if l.panics {
		panic("listener " + l.name + " exploded")
	}
	return l.err
}

func (l *recordingListener) ResourceAvailable(mailbox) error   { return l.record("available") }
func (l *recordingListener) ResourceUnavailable(mailbox) error { return l.record("unavailable") }
func (l *recordingListener) LeaseReclaimed(LeakReport) error   { return l.record("reclaimed") }

// failingLogHandler panics on every record at error level or above,
// like a handler whose output has gone away.
type failingLogHandler struct{}

func (failingLogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (failingLogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		panic("log output unavailable")
	}
	return nil
}

func (h failingLogHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h failingLogHandler) WithGroup(string) slog.Handler      { return h }
