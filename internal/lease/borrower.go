package lease

import (
	"context"
	"runtime"
	"strconv"
	"strings"
)

// Borrower identifies the logical caller holding a lease, typically a request or a worker.
type Borrower string

type borrowerKey struct{}

// WithBorrower returns a context that acquires leases on behalf of b.
func WithBorrower(ctx context.Context, b Borrower) context.Context {
	return context.WithValue(ctx, borrowerKey{}, b)
}

// BorrowerFromContext returns the borrower stored in ctx.
// Without one, the calling goroutine is used as the borrower.
func BorrowerFromContext(ctx context.Context) Borrower {
	if ctx != nil {
		if b, ok := ctx.Value(borrowerKey{}).(Borrower); ok && b != "" {
			return b
		}
	}
	return Borrower("goroutine-" + strconv.FormatUint(currentGoroutineID(), 10))
}

// currentGoroutineID parses the ID out of the "goroutine N [running]:" stack header.
// It is only used to label borrowers in diagnostics, never for control flow.
func currentGoroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	line := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(line, ' '); i > 0 {
		if id, err := strconv.ParseUint(line[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}
