// Package-level panic recovery for kernel operations.
//
// Many concurrent, unrelated sessions share one kernel instance, so one
// misbehaving call must never take down the whole process. Every externally
// triggered kernel operation runs through one of these wrappers, which
// convert unexpected panics into a tagged Internal error.
package kernel

import (
	"fmt"
	"runtime/debug"
)

// SafeExecute executes a function with panic recovery. A panic is logged
// with its stack and returned as an Internal KernelError.
func SafeExecute(logger Logger, operation string, fn func() error) error {
	var panicErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", stack,
					)
				}
				panicErr = WrapInternal(operation, fmt.Errorf("panic: %v", r))
			}
		}()
		panicErr = fn()
	}()

	return panicErr
}

// SafeExecuteWithResult executes a function with panic recovery, returning
// both result and error. A panic yields the zero result and an Internal
// KernelError.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (T, error) {
	var result T
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", stack,
					)
				}
				var zero T
				result = zero
				err = WrapInternal(operation, fmt.Errorf("panic: %v", r))
			}
		}()
		result, err = fn()
	}()

	return result, err
}

// SafeGo runs a goroutine with panic recovery.
// If the goroutine panics, the panic is logged and the onPanic callback is called.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("goroutine_panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", stack,
					)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
