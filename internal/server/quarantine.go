package server

import (
	"time"

	"github.com/patrickmn/go-cache"
)

const maxQuarantineSweep = time.Minute

// quarantine remembers addresses that broke the framing protocol so the
// listener can refuse them for a while. A nil cache disables it.
type quarantine struct {
	addrs *cache.Cache
}

func newQuarantine(ttl time.Duration) *quarantine {
	if ttl <= 0 {
		return &quarantine{}
	}
	sweep := ttl
	if sweep > maxQuarantineSweep {
		sweep = maxQuarantineSweep
	}
	return &quarantine{addrs: cache.New(ttl, sweep)}
}

func (q *quarantine) add(ip string) {
	if q.addrs == nil || ip == "" {
		return
	}
	q.addrs.SetDefault(ip, time.Now())
}

func (q *quarantine) has(ip string) bool {
	if q.addrs == nil {
		return false
	}
	_, ok := q.addrs.Get(ip)
	return ok
}
