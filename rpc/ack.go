package rpc

import "fmt"

// ackTracker collects acknowledgments for a broadcast call. targets is a
// multiset: an id listed twice must acknowledge twice.
type ackTracker struct {
	targets   map[uint32]int
	acked     map[uint32]int
	remaining int
}

func newAckTracker(targets []uint32) *ackTracker {
	t := &ackTracker{
		targets:   make(map[uint32]int, len(targets)),
		acked:     make(map[uint32]int, len(targets)),
		remaining: len(targets),
	}
	for _, id := range targets {
		t.targets[id]++
	}
	return t
}

// ack records one response from id and reports whether the acknowledged
// multiset now equals the targets.
func (t *ackTracker) ack(id uint32) (bool, error) {
	want, ok := t.targets[id]
	if !ok {
		return false, fmt.Errorf("%w: connection %d", ErrUnauthorizedAck, id)
	}
	if t.acked[id] >= want {
		return false, fmt.Errorf("%w: connection %d", ErrDuplicateAck, id)
	}
	t.acked[id]++
	t.remaining--
	return t.remaining == 0, nil
}

// drop removes ids from the targets. complete reports whether the remaining
// targets have all acknowledged; live whether any target is left.
func (t *ackTracker) drop(ids []uint32) (complete, live bool) {
	for _, id := range ids {
		want, ok := t.targets[id]
		if !ok {
			continue
		}
		t.remaining -= want - t.acked[id]
		delete(t.targets, id)
		delete(t.acked, id)
	}
	live = len(t.targets) > 0
	return live && t.remaining == 0, live
}
