package rooms

import "github.com/sirupsen/logrus"

// The wait set is a list of channels, one per parked Updates call. A waiter
// is woken exactly once, either by the next log mutation or by the periodic
// forced dismissal, and then re-reads the log under the room mutex. Waking
// happens by closing the channel so waiters are scheduled by the runtime
// rather than run inside the mutating call.

func (r *Room) addWaiterLocked() chan struct{} {
	ch := make(chan struct{})
	r.waiters = append(r.waiters, ch)
	return ch
}

func (r *Room) wakeWaitersLocked() {
	for _, ch := range r.waiters {
		close(ch)
	}
	r.waiters = nil
}

// DismissWaiters force-wakes every parked reader with no new data. The
// maintenance cycle calls this every period, whether or not edits occurred,
// which bounds wait-set growth in quiet rooms; clients observe an empty
// result and re-issue the poll.
func (r *Room) DismissWaiters() {
	r.mu.Lock()
	n := len(r.waiters)
	r.wakeWaitersLocked()
	r.mu.Unlock()

	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"room_id": r.ID,
			"waiters": n,
		}).Debug("Dismissed long-poll waiters")
	}
}
