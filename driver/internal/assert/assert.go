// Package assert checks internal invariants. A failed check is a programming error.
package assert

import "fmt"

// True panics with msg if cond is false.
func True(msg string, cond bool) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// NoError panics if err is not nil.
func NoError(msg string, err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: %s: %v", msg, err))
	}
}
