package common

import (
	"fmt"
	"os"
	"runtime/debug"
)

// PanicHandler is deferred at the top of main so that a panic is reported with its stack before the process exits.
func PanicHandler() {
	if r := recover(); r != nil {
		fmt.Printf("Panic caught in chanrpc: %v\n", r)
		debug.PrintStack()
		os.Exit(1)
	}
}
