package lease

import (
	"fmt"
	"runtime"
	"strings"
)

// maxStackDepth bounds how many frames are kept for an acquisition site.
const maxStackDepth = 32

// leasePackage is the function-name prefix of frames inside this package.
var leasePackage = func() string {
	pc, _, _, _ := runtime.Caller(0)
	name := runtime.FuncForPC(pc).Name()
	// name looks like "github.com/x/y/internal/lease.init.func1"
	if i := strings.LastIndex(name, "/"); i >= 0 {
		if j := strings.Index(name[i:], "."); j >= 0 {
			return name[:i+j+1]
		}
	}
	return name
}()

// captureStack records the caller's stack, leaving out frames of this package
// so the first line is the code that asked for the lease.
func captureStack() string {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		internal := strings.HasPrefix(frame.Function, leasePackage) && !strings.HasSuffix(frame.File, "_test.go")
		if !internal && frame.Function != "" {
			_, _ = fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
