package fetch

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"
)

// errStopped is returned by stopgroup.Add after Stop has been called.
var errStopped = errors.New("fetch: engine has stopped")

// stopgroup coordinates graceful shutdown the way the teacher's
// gitlab.com/NebulousLabs/Sia/sync.ThreadGroup does: goroutines call Add
// before doing work and Done when finished, Stop closes stopChan and blocks
// until every outstanding Add has a matching Done. The full threadgroup
// package was not among the files retrieved for this module, so this
// reproduces only the call shape actually used by download.go/uploadheap.go
// (Add/Done/StopChan).
type stopgroup struct {
	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  bool
}

func newStopgroup() *stopgroup {
	return &stopgroup{stopChan: make(chan struct{})}
}

// Add registers a unit of work. It fails once Stop has been called.
func (sg *stopgroup) Add() error {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	if sg.stopped {
		return errStopped
	}
	sg.wg.Add(1)
	return nil
}

// Done marks a unit of work as complete.
func (sg *stopgroup) Done() {
	sg.wg.Done()
}

// StopChan returns a channel that is closed when Stop is called.
func (sg *stopgroup) StopChan() <-chan struct{} {
	return sg.stopChan
}

// Stop signals shutdown and blocks until all outstanding work has called
// Done.
func (sg *stopgroup) Stop() {
	sg.mu.Lock()
	if !sg.stopped {
		sg.stopped = true
		close(sg.stopChan)
	}
	sg.mu.Unlock()
	sg.wg.Wait()
}
