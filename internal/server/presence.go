package server

import "time"

// StatusOnline is the status every session starts with; set_status
// replaces it.
const StatusOnline = "online"

// PresenceMeta describes one live session of an identity on a topic.
type PresenceMeta struct {
	DeviceId string    `json:"device_id"`
	Status   string    `json:"status"`
	JoinedAt time.Time `json:"joined_at"`
}

// PresenceState maps identities to the metas of their live sessions. An
// identity has an entry only while it has at least one meta.
type PresenceState map[string][]PresenceMeta

// PresenceDiff is the delta produced by a presence mutation. A status
// change surfaces the old meta under Leaves and the new one under Joins.
type PresenceDiff struct {
	Joins  PresenceState `json:"joins,omitempty"`
	Leaves PresenceState `json:"leaves,omitempty"`
}

func (d PresenceDiff) Empty() bool {
	return len(d.Joins) == 0 && len(d.Leaves) == 0
}

// presenceTracker holds the presence entries of a single topic. It is not
// safe for concurrent use: all calls must come from the topic goroutine.
type presenceTracker struct {
	entries map[string][]PresenceMeta
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{
		entries: make(map[string][]PresenceMeta),
	}
}

func (p *presenceTracker) track(identity string, meta PresenceMeta) PresenceDiff {
	p.entries[identity] = append(p.entries[identity], meta)

	return PresenceDiff{
		Joins: PresenceState{identity: {meta}},
	}
}

func (p *presenceTracker) untrack(identity, deviceId string) PresenceDiff {
	metas, ok := p.entries[identity]
	if !ok {
		return PresenceDiff{}
	}

	for i, meta := range metas {
		if meta.DeviceId != deviceId {
			continue
		}

		metas = append(metas[:i], metas[i+1:]...)
		if len(metas) == 0 {
			delete(p.entries, identity)
		} else {
			p.entries[identity] = metas
		}

		return PresenceDiff{
			Leaves: PresenceState{identity: {meta}},
		}
	}

	return PresenceDiff{}
}

func (p *presenceTracker) updateStatus(identity, deviceId, status string) PresenceDiff {
	metas, ok := p.entries[identity]
	if !ok {
		return PresenceDiff{}
	}

	for i, meta := range metas {
		if meta.DeviceId != deviceId {
			continue
		}

		updated := meta
		updated.Status = status
		p.entries[identity][i] = updated

		return PresenceDiff{
			Joins:  PresenceState{identity: {updated}},
			Leaves: PresenceState{identity: {meta}},
		}
	}

	return PresenceDiff{}
}

func (p *presenceTracker) present(identity string) bool {
	return len(p.entries[identity]) > 0
}

func (p *presenceTracker) size() int {
	return len(p.entries)
}

// snapshot deep-copies the current state so it can leave the topic
// goroutine safely.
func (p *presenceTracker) snapshot() PresenceState {
	state := make(PresenceState, len(p.entries))
	for identity, metas := range p.entries {
		copied := make([]PresenceMeta, len(metas))
		copy(copied, metas)
		state[identity] = copied
	}

	return state
}
