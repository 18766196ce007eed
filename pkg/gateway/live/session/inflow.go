package session

import "time"

// inflow meters one kind of inbound traffic: tick frames or audio bytes.
// Tokens refill continuously at perSecond and cap at burstSeconds worth. A
// nil inflow admits everything.
type inflow struct {
	now       func() time.Time
	perSecond float64
	capacity  float64
	tokens    float64
	last      time.Time
}

func newInflow(now func() time.Time, perSecond int64, burstSeconds int) *inflow {
	if perSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	capacity := float64(perSecond) * float64(burstSeconds)
	return &inflow{
		now:       now,
		perSecond: float64(perSecond),
		capacity:  capacity,
		tokens:    capacity,
		last:      now(),
	}
}

// take spends n tokens. A request larger than the whole bucket is admitted
// only when the bucket is full and empties it, so one oversized audio chunk
// cannot be rejected forever.
func (f *inflow) take(n int64) bool {
	if f == nil {
		return true
	}
	f.refill()
	need := float64(max(n, 0))
	if need > f.capacity {
		if f.tokens < f.capacity {
			return false
		}
		f.tokens = 0
		return true
	}
	if f.tokens < need {
		return false
	}
	f.tokens -= need
	return true
}

func (f *inflow) refill() {
	now := f.now()
	elapsed := now.Sub(f.last)
	if elapsed <= 0 {
		return
	}
	f.tokens = min(f.capacity, f.tokens+elapsed.Seconds()*f.perSecond)
	f.last = now
}
