package common

import (
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/spirit-labs/chanrpc/logger"
)

var runningGRs int64

var grDebug atomic.Bool
var grOrigins sync.Map
var grSeq uint64

func SetGRDebug(debug bool) {
	grDebug.Store(debug)
}

// Go spawns a goroutine and keeps track of the number of running goroutines, so tests and shutdown can check that
// every channel pump has exited. In debug mode it also records where each goroutine was spawned from.
func Go(f func()) {
	atomic.AddInt64(&runningGRs, 1)
	var seq uint64
	debug := grDebug.Load()
	if debug {
		seq = atomic.AddUint64(&grSeq, 1)
		grOrigins.Store(seq, callerStack())
	}
	go func() {
		if debug {
			defer grOrigins.Delete(seq)
		}
		defer atomic.AddInt64(&runningGRs, -1)
		f()
	}()
}

func RunningGRCount() int64 {
	return atomic.LoadInt64(&runningGRs)
}

// GROrigins returns the spawn stacks of goroutines that are still running, in spawn order. Only populated in debug
// mode.
func GROrigins() []string {
	type origin struct {
		seq   uint64
		stack string
	}
	var origins []origin
	grOrigins.Range(func(k, v any) bool {
		origins = append(origins, origin{seq: k.(uint64), stack: v.(string)})
		return true
	})
	sort.Slice(origins, func(i, j int) bool { return origins[i].seq < origins[j].seq })
	res := make([]string, len(origins))
	for i, o := range origins {
		res[i] = o.stack
	}
	return res
}

//goland:noinspection GoUnusedExportedFunction
func DumpGROrigins() {
	log.Info("Dumping running goroutine creation stacks")
	for _, stack := range GROrigins() {
		log.Info(stack)
		log.Info("===============================================")
	}
	log.Info("End dump")
}

func callerStack() string {
	buf := make([]byte, 1<<14)
	l := runtime.Stack(buf, false)
	return strings.TrimSpace(string(buf[:l]))
}
