package common

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGo(t *testing.T) {
	before := RunningGRCount()
	numRoutines := 10
	var lock sync.Mutex
	blockCount := 0
	var wg1 sync.WaitGroup
	wg1.Add(1)
	var wg2 sync.WaitGroup
	wg2.Add(1)
	var wg3 sync.WaitGroup
	wg3.Add(numRoutines)
	for i := 0; i < numRoutines; i++ {
		Go(func() {
			defer wg3.Done()
			lock.Lock()
			blockCount++
			if blockCount == numRoutines {
				wg1.Done()
			}
			lock.Unlock()
			wg2.Wait()
		})
	}
	wg1.Wait()
	require.Equal(t, before+int64(numRoutines), RunningGRCount())
	wg2.Done()
	wg3.Wait()
}

func TestGROriginsInDebugMode(t *testing.T) {
	SetGRDebug(true)
	defer SetGRDebug(false)
	release := make(chan struct{})
	started := make(chan struct{})
	Go(func() {
		close(started)
		<-release
	})
	<-started
	origins := GROrigins()
	require.NotEmpty(t, origins)
	require.True(t, strings.Contains(origins[len(origins)-1], "TestGROriginsInDebugMode"))
	close(release)
}
