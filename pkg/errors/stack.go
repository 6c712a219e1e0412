package errors

import (
	"fmt"
	"runtime"
)

const maxStackDepth = 32

type stack []uintptr

func callers() *stack {
	var pcs [maxStackDepth]uintptr
	// skip runtime.Callers, this function and the errors constructor
	n := runtime.Callers(3, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

// fullStack renders the captured frames as "file:line func" strings.
func (s *stack) fullStack() []string {
	if s == nil {
		return nil
	}
	lines := make([]string, 0, len(*s))
	frames := runtime.CallersFrames(*s)
	for {
		frame, more := frames.Next()
		lines = append(lines, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}
	return lines
}

type stackTracer interface {
	fullStack() []string
}

// FullStack returns the deepest captured stack in err's chain, if any.
func FullStack(err error) []string {
	var deepest []string
	for err != nil {
		if tracer, ok := err.(stackTracer); ok {
			deepest = tracer.fullStack()
		}
		err = Unwrap(err)
	}
	return deepest
}
