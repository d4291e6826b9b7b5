package extprocess

import (
	"sync"
	"time"
)

// Timer is a single-shot timer whose activity can be queried.
type Timer interface {
	Start(d time.Duration)
	Stop()
	IsActive() bool
}

// OneShot is a Timer backed by time.AfterFunc. onFire runs on the timer goroutine and only
// for the most recent Start; a Stop or restart invalidates a pending fire.
type OneShot struct {
	mu     sync.Mutex
	t      *time.Timer
	gen    uint64
	active bool
	onFire func()
}

func NewOneShot(onFire func()) *OneShot {
	return &OneShot{onFire: onFire}
}

func (o *OneShot) Start(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.t != nil {
		o.t.Stop()
	}
	o.gen++
	gen := o.gen
	o.active = true
	o.t = time.AfterFunc(d, func() {
		o.mu.Lock()
		if o.gen != gen {
			o.mu.Unlock()
			return
		}
		o.active = false
		f := o.onFire
		o.mu.Unlock()
		if f != nil {
			f()
		}
	})
}

func (o *OneShot) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.t != nil {
		o.t.Stop()
	}
	o.gen++
	o.active = false
}

func (o *OneShot) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}
