package ppcache

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

// run starts f on its own goroutine. A panic there means a cache invariant
// broke, so the process goes down with the stack logged.
func run(f func()) {
	go func() {
		defer recoverFatal()
		f()
	}()
}

func recoverFatal() {
	if r := recover(); r != nil {
		handlePanic(r)
	}
}

func handlePanic(p any) {
	buf := make([]byte, 100000)
	n := runtime.Stack(buf, false)
	logrus.WithField("stack", string(buf[:n])).Fatalf("panic: %v", p)
}

func PanicF(format string, a ...any) {
	panic(fmt.Sprintf(format, a...))
}
