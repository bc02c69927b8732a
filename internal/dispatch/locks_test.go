package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockTable_SerializesPerBooking(t *testing.T) {
	table := NewLockTable()

	const workers = 16
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := table.Acquire("booking-1")
			defer release()
			// unsynchronized except for the booking lock
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
	assert.Zero(t, table.Len(), "lock entries are removed when unused")
}

func TestLockTable_DistinctBookingsDoNotBlock(t *testing.T) {
	table := NewLockTable()

	releaseA := table.Acquire("booking-a")
	done := make(chan struct{})
	go func() {
		releaseB := table.Acquire("booking-b")
		releaseB()
		close(done)
	}()

	<-done // booking-b proceeded while booking-a is held
	releaseA()
	assert.Zero(t, table.Len())
}
