package push

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMsgLimiter(t *testing.T) {
	l := newMsgLimiter(60)

	// the burst allowance admits a minute's worth of frames
	allowed := 0
	for i := 0; i < 60; i++ {
		ok, fatal := l.allow()
		assert.False(t, fatal)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 60, allowed)

	// past the soft limit frames are rejected but tolerated
	ok, fatal := l.allow()
	assert.False(t, ok)
	assert.False(t, fatal)

	// sustained flooding at twice the limit closes the connection
	sawFatal := false
	for i := 0; i < 120 && !sawFatal; i++ {
		_, fatal := l.allow()
		sawFatal = fatal
	}
	assert.True(t, sawFatal)
}

func TestIPTable(t *testing.T) {
	table := newIPTable(2)

	assert.True(t, table.acquire("10.0.0.1"))
	assert.True(t, table.acquire("10.0.0.1"))
	assert.False(t, table.acquire("10.0.0.1"), "third connection from the same address is refused")

	// a different address has its own budget
	assert.True(t, table.acquire("10.0.0.2"))

	// releasing frees a slot
	table.release("10.0.0.1")
	assert.True(t, table.acquire("10.0.0.1"))
}

func TestEventEncode_FreshMessageIDs(t *testing.T) {
	e := Event{Type: EventPong, Data: struct{}{}}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	first, err := e.Encode(now)
	assert.NoError(t, err)
	second, err := e.Encode(now)
	assert.NoError(t, err)

	// the same logical event never shares a message id across encodings
	assert.NotEqual(t, string(first), string(second))
}
