package supervisor

import "time"

type timerKind string

const (
	timerStart         timerKind = "start"
	timerCooldown      timerKind = "cooldown"
	timerRotateAccount timerKind = "rotate_account"
	timerRotateProxy   timerKind = "rotate_proxy"
	timerSessionSweep  timerKind = "session_sweep"
)

// timerKeySupervisor is the worker ID used for the loop's own timers.
const timerKeySupervisor = ""

type timerKey struct {
	workerID string
	kind     timerKind
}

type timerEntry struct {
	token uint64
	delay time.Duration
	due   time.Time
	stop  func() bool
	fn    func()
}

// timerSet holds at most one pending timer per (worker, kind). Timers fire
// by posting back into the event loop, and a fired timer whose entry was
// canceled or replaced in the meantime is ignored.
type timerSet struct {
	entries map[timerKey]*timerEntry
	seq     uint64
	after   func(time.Duration, func()) func() bool
	post    func(func())
	now     func() time.Time
}

func newTimerSet(post func(func())) *timerSet {
	return &timerSet{
		entries: make(map[timerKey]*timerEntry),
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		post: post,
		now:  time.Now,
	}
}

// set arms fn to run on the loop after delay, replacing any pending timer
// with the same key.
func (t *timerSet) set(workerID string, kind timerKind, delay time.Duration, fn func()) {
	key := timerKey{workerID, kind}
	t.cancelKey(key)
	t.seq++
	token := t.seq
	e := &timerEntry{token: token, delay: delay, due: t.now().Add(delay), fn: fn}
	t.entries[key] = e
	e.stop = t.after(delay, func() {
		t.post(func() { t.fire(key, token) })
	})
}

func (t *timerSet) fire(key timerKey, token uint64) {
	e, ok := t.entries[key]
	if !ok || e.token != token {
		return
	}
	delete(t.entries, key)
	e.fn()
}

// trigger runs a pending timer immediately. The loop uses it for tests and
// for flushing; normal firing goes through fire.
func (t *timerSet) trigger(workerID string, kind timerKind) bool {
	key := timerKey{workerID, kind}
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.stop()
	t.fire(key, e.token)
	return true
}

func (t *timerSet) cancel(workerID string, kind timerKind) bool {
	return t.cancelKey(timerKey{workerID, kind})
}

func (t *timerSet) cancelKey(key timerKey) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.stop()
	delete(t.entries, key)
	return true
}

// cancelWorker drops every pending timer for workerID.
func (t *timerSet) cancelWorker(workerID string) int {
	n := 0
	for key := range t.entries {
		if key.workerID == workerID {
			t.cancelKey(key)
			n++
		}
	}
	return n
}

// clear drops every pending timer except the supervisor's own.
func (t *timerSet) clear() int {
	n := 0
	for key := range t.entries {
		if key.workerID == timerKeySupervisor {
			continue
		}
		t.cancelKey(key)
		n++
	}
	return n
}

func (t *timerSet) pending(workerID string, kind timerKind) (time.Duration, bool) {
	e, ok := t.entries[timerKey{workerID, kind}]
	if !ok {
		return 0, false
	}
	return e.delay, true
}

func (t *timerSet) len() int { return len(t.entries) }
