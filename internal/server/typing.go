package server

import "time"

const defaultTypingTTL = 5 * time.Second

type typingState struct {
	gen   uint64
	timer *time.Timer
}

// typingCoordinator tracks which identities are typing on a topic and
// expires entries that are never explicitly stopped. Expired timers call
// expire from their own goroutine; everything else must run on the topic
// goroutine. Each start bumps a generation counter so a late-firing timer
// from a superseded start is recognized and dropped.
type typingCoordinator struct {
	ttl    time.Duration
	active map[string]*typingState
	expire func(identity string, gen uint64)
}

func newTypingCoordinator(ttl time.Duration, expire func(identity string, gen uint64)) *typingCoordinator {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}

	return &typingCoordinator{
		ttl:    ttl,
		active: make(map[string]*typingState),
		expire: expire,
	}
}

// start marks identity as typing. It reports whether the identity was not
// already typing, in which case the caller broadcasts a typing_started
// event. A repeated start refreshes the expiry silently.
func (tc *typingCoordinator) start(identity string) bool {
	if st, ok := tc.active[identity]; ok {
		st.timer.Stop()
		st.gen++
		gen := st.gen
		st.timer = time.AfterFunc(tc.ttl, func() { tc.expire(identity, gen) })
		return false
	}

	st := &typingState{gen: 1}
	gen := st.gen
	st.timer = time.AfterFunc(tc.ttl, func() { tc.expire(identity, gen) })
	tc.active[identity] = st

	return true
}

// stop clears the typing state for identity, reporting whether it was
// typing at all.
func (tc *typingCoordinator) stop(identity string) bool {
	st, ok := tc.active[identity]
	if !ok {
		return false
	}

	st.timer.Stop()
	delete(tc.active, identity)

	return true
}

// expired handles a fired timer. It reports whether the expiry is still
// current; a stale generation means the entry was refreshed or stopped
// after the timer fired and no typing_stopped event is due.
func (tc *typingCoordinator) expired(identity string, gen uint64) bool {
	st, ok := tc.active[identity]
	if !ok || st.gen != gen {
		return false
	}

	delete(tc.active, identity)

	return true
}

func (tc *typingCoordinator) typing(identity string) bool {
	_, ok := tc.active[identity]
	return ok
}

// stopAll releases all pending timers, used on topic shutdown.
func (tc *typingCoordinator) stopAll() {
	for identity, st := range tc.active {
		st.timer.Stop()
		delete(tc.active, identity)
	}
}
