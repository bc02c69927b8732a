package push

import (
	"sync"

	"golang.org/x/time/rate"
)

// msgLimiter throttles inbound frames on one connection. The soft limit
// rejects individual frames; a connection running at twice the configured
// rate is closed outright.
type msgLimiter struct {
	soft *rate.Limiter
	hard *rate.Limiter
}

func newMsgLimiter(perMinute int) *msgLimiter {
	perSecond := rate.Limit(float64(perMinute) / 60.0)
	return &msgLimiter{
		soft: rate.NewLimiter(perSecond, perMinute),
		hard: rate.NewLimiter(2*perSecond, 2*perMinute),
	}
}

// allow reports (frame allowed, connection still tolerable). The hard bucket
// is drained even for rejected frames so sustained flooding trips it.
func (l *msgLimiter) allow() (ok bool, fatal bool) {
	if !l.hard.Allow() {
		return false, true
	}
	return l.soft.Allow(), false
}

// ipTable caps concurrent connections per client address
type ipTable struct {
	mu    sync.Mutex
	conns map[string]int
	limit int
}

func newIPTable(limit int) *ipTable {
	return &ipTable{conns: make(map[string]int), limit: limit}
}

// acquire reserves a slot for ip, reporting false when the cap is reached
func (t *ipTable) acquire(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[ip] >= t.limit {
		return false
	}
	t.conns[ip]++
	return true
}

// release frees a slot for ip
func (t *ipTable) release(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[ip] <= 1 {
		delete(t.conns, ip)
		return
	}
	t.conns[ip]--
}
