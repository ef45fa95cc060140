package queue

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sendzone/sendzoned/internal/envelope"
)

// deferredSlot is one Delivery scheduled to return to a zone's ready set at
// At (spec.md §4.9 "deferDelivery"/"releaseDelivery").
type deferredSlot struct {
	At   time.Time
	zone string
	d    *envelope.Delivery
}

// deferralWheel wakes at the earliest pending deferredSlot.At and hands it
// to onElapsed, without polling. Ported from the teacher's
// target/queue.TimeWheel, which schedules its on-disk queue's retries the
// same way; here it is specialized directly to deferredSlot instead of a
// TimeWheel/TimeSlot pair wrapping an interface{} value, since this queue
// has exactly one kind of thing to schedule.
type deferralWheel struct {
	stopped uint32

	pending     *list.List // of deferredSlot
	pendingLock sync.Mutex

	rescheduled chan time.Time
	stopping    chan struct{}

	onElapsed func(deferredSlot)
}

// newDeferralWheel starts a deferralWheel that calls onElapsed for each slot
// once its At time arrives.
func newDeferralWheel(onElapsed func(deferredSlot)) *deferralWheel {
	w := &deferralWheel{
		pending:     list.New(),
		stopping:    make(chan struct{}),
		rescheduled: make(chan time.Time),
		onElapsed:   onElapsed,
	}
	go w.run()
	return w
}

// Add schedules slot for dispatch at slot.At.
func (w *deferralWheel) Add(slot deferredSlot) {
	if atomic.LoadUint32(&w.stopped) == 1 {
		return
	}

	w.pendingLock.Lock()
	w.pending.PushBack(slot)
	w.pendingLock.Unlock()

	w.rescheduled <- slot.At
}

// Close stops the wheel. Idempotent.
func (w *deferralWheel) Close() {
	atomic.StoreUint32(&w.stopped, 1)

	if w.stopping == nil {
		return
	}

	w.stopping <- struct{}{}
	<-w.stopping

	w.stopping = nil
	close(w.rescheduled)
}

func (w *deferralWheel) run() {
	for {
		now := time.Now()
		w.pendingLock.Lock()
		var earliest deferredSlot
		var earliestEl *list.Element
		for e := w.pending.Front(); e != nil; e = e.Next() {
			slot := e.Value.(deferredSlot)
			if earliestEl == nil || slot.At.Before(earliest.At) {
				earliest = slot
				earliestEl = e
			}
		}
		w.pendingLock.Unlock()

		if earliestEl == nil {
			select {
			case <-w.rescheduled:
				continue
			case <-w.stopping:
				w.stopping <- struct{}{}
				return
			}
		}

		timer := time.NewTimer(earliest.At.Sub(now))

	wait:
		for {
			select {
			case <-timer.C:
				w.pendingLock.Lock()
				w.pending.Remove(earliestEl)
				w.pendingLock.Unlock()

				w.onElapsed(earliest)

				break wait
			case newTarget := <-w.rescheduled:
				if newTarget.Before(earliest.At) {
					timer.Stop()
					break wait
				}
				continue
			case <-w.stopping:
				w.stopping <- struct{}{}
				return
			}
		}
	}
}
