// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import "math"

// AcknowledgeType is the outcome a member reports for acquired records.
type AcknowledgeType uint8

const (
	AcknowledgeAccept  AcknowledgeType = 1 // Processed, never redeliver
	AcknowledgeRelease AcknowledgeType = 2 // Give back for redelivery
	AcknowledgeReject  AcknowledgeType = 3 // Unprocessable, never redeliver
)

func (t AcknowledgeType) String() string {
	switch t {
	case AcknowledgeAccept:
		return "accept"
	case AcknowledgeRelease:
		return "release"
	case AcknowledgeReject:
		return "reject"
	default:
		return "unknown"
	}
}

func (t AcknowledgeType) target() (RecordState, bool) {
	switch t {
	case AcknowledgeAccept:
		return Acknowledged, true
	case AcknowledgeRelease:
		return Available, true
	case AcknowledgeReject:
		return Archived, true
	default:
		return 0, false
	}
}

// AcknowledgementBatch is one range of an acknowledge request.
type AcknowledgementBatch struct {
	BaseOffset int64
	LastOffset int64
	GapOffsets []int64 // Offsets in the range that hold no record; always archived
	AckType    AcknowledgeType
}

// AckSummary counts the records settled by a successful call.
type AckSummary struct {
	Acknowledged int
	Released     int
	Archived     int // Rejected, or released past the delivery limit
	Gaps         int
	Settled      int // Records that stopped being Acquired, gaps included
}

// Records returns the number of records the call changed, gaps excluded.
func (s AckSummary) Records() int {
	return s.Acknowledged + s.Released + s.Archived
}

// Acknowledge applies all batches as one unit. Every batch is validated against
// the live state plus the changes planned by the batches before it; state is
// only touched once the whole request is known to be valid. The first invalid
// batch is reported as an *AckError and nothing is applied.
func (t *Tracker) Acknowledge(memberID string, batches []AcknowledgementBatch) (AckSummary, error) {
	if memberID == "" {
		return AckSummary{}, ErrInvalidMember
	}

	p := newAckPlan(t)
	for i, ab := range batches {
		if err := p.add(i, memberID, ab); err != nil {
			return AckSummary{}, err
		}
	}
	p.apply()

	return p.summary(), nil
}

// ReleaseMember makes every record held by memberID available again, or
// archives it when it reached the delivery limit.
func (t *Tracker) ReleaseMember(memberID string) (AckSummary, error) {
	if memberID == "" {
		return AckSummary{}, ErrInvalidMember
	}

	p := newAckPlan(t)
	var err error
	t.batches.Ascend(func(b *CachedBatch) bool {
		if !b.Exploded() && (b.batchState.State != Acquired || b.batchState.MemberID != memberID) {
			return true
		}
		for o := b.baseOffset; o <= b.lastOffset; o++ {
			cur, _ := b.StateAt(o)
			if b.isGap(o) || cur.State != Acquired || cur.MemberID != memberID {
				continue
			}
			next, nerr := cur.next(t.releaseTarget(cur), memberID)
			if nerr != nil {
				err = nerr
				return false
			}
			p.set(b, o, next, false)
		}
		return true
	})
	if err != nil {
		return AckSummary{}, err
	}
	p.apply()

	return p.summary(), nil
}

func (t *Tracker) releaseTarget(s InFlightState) RecordState {
	if t.cfg.MaxDeliveryCount > 0 && s.DeliveryCount >= t.cfg.MaxDeliveryCount {
		return Archived
	}
	return Available
}

// ackPlan holds the per offset outcome of a request until it is applied.
type ackPlan struct {
	tracker  *Tracker
	states   map[int64]InFlightState
	gaps     map[int64]struct{}
	batches  []*CachedBatch
	touched  map[int64]struct{}
	settled  int
	released int64 // Lowest offset made Available
}

func newAckPlan(t *Tracker) *ackPlan {
	return &ackPlan{
		tracker:  t,
		states:   make(map[int64]InFlightState),
		gaps:     make(map[int64]struct{}),
		touched:  make(map[int64]struct{}),
		released: math.MaxInt64,
	}
}

func (p *ackPlan) add(idx int, memberID string, ab AcknowledgementBatch) error {
	fail := func(offset int64, reason error) error {
		return &AckError{
			Index:      idx,
			BaseOffset: ab.BaseOffset,
			LastOffset: ab.LastOffset,
			Offset:     offset,
			Reason:     reason,
		}
	}

	target, ok := ab.AckType.target()
	if !ok || ab.BaseOffset < 0 || ab.BaseOffset > ab.LastOffset {
		return fail(-1, ErrInvalidAckBatch)
	}

	entries := p.tracker.overlapping(ab.BaseOffset, ab.LastOffset)
	if len(entries) == 0 ||
		entries[0].baseOffset > ab.BaseOffset ||
		entries[len(entries)-1].lastOffset < ab.LastOffset {
		return fail(-1, ErrOffsetOutOfRange)
	}

	gaps := toSet(ab.GapOffsets)
	for _, b := range entries {
		from, to := max(ab.BaseOffset, b.baseOffset), min(ab.LastOffset, b.lastOffset)
		for o := from; o <= to; o++ {
			if b.isGap(o) {
				continue
			}
			_, revisit := p.states[o]
			cur := p.current(b, o)
			if _, gap := gaps[o]; gap {
				if revisit {
					return fail(o, ErrNotAcquiredByMember)
				}
				if cur.State.IsTerminal() {
					continue
				}
				if cur.State != Acquired || cur.MemberID != memberID {
					return fail(o, ErrNotAcquiredByMember)
				}
				next, err := cur.next(Archived, memberID)
				if err != nil {
					return fail(o, err)
				}
				p.set(b, o, next, true)
				continue
			}
			if cur.State != Acquired || cur.MemberID != memberID {
				return fail(o, ErrNotAcquiredByMember)
			}
			state := target
			if state == Available {
				state = p.tracker.releaseTarget(cur)
			}
			next, err := cur.next(state, memberID)
			if err != nil {
				return fail(o, err)
			}
			p.set(b, o, next, false)
		}
	}
	return nil
}

func (p *ackPlan) current(b *CachedBatch, offset int64) InFlightState {
	if s, ok := p.states[offset]; ok {
		return s
	}
	s, _ := b.StateAt(offset)
	return s
}

func (p *ackPlan) set(b *CachedBatch, offset int64, s InFlightState, gap bool) {
	if _, ok := p.touched[b.baseOffset]; !ok {
		p.touched[b.baseOffset] = struct{}{}
		p.batches = append(p.batches, b)
	}
	if prev := p.current(b, offset); prev.State == Acquired {
		p.settled++
	}
	p.states[offset] = s
	if s.State == Available {
		p.released = min(p.released, offset)
	}
	if gap {
		p.gaps[offset] = struct{}{}
	}
}

// apply writes the plan to the tracker and moves the cursor back to the
// lowest released offset when it lies below it.
func (p *ackPlan) apply() {
	t := p.tracker
	for _, b := range p.batches {
		p.applyBatch(b)
	}
	t.acquired -= p.settled
	t.updateNextFetchOffset(min(t.nextFetchOffset, p.released))
}

// applyBatch keeps a collapsed batch collapsed when the plan settles all of
// its records the same way, and explodes it otherwise.
func (p *ackPlan) applyBatch(b *CachedBatch) {
	if !b.Exploded() {
		if s, ok := p.uniform(b); ok {
			if s != nil {
				*b.batchState = *s
			}
			for o := b.baseOffset; o <= b.lastOffset; o++ {
				if _, gap := p.gaps[o]; gap {
					b.addGap(o)
				}
			}
			return
		}
		b.explode()
	}

	for o := b.baseOffset; o <= b.lastOffset; o++ {
		s, ok := p.states[o]
		if !ok {
			continue
		}
		*b.offsetState[o] = s
		if _, gap := p.gaps[o]; gap {
			b.addGap(o)
		}
	}
}

// uniform reports whether every record of b has the same planned state. The
// state is nil when the plan only marks gaps.
func (p *ackPlan) uniform(b *CachedBatch) (*InFlightState, bool) {
	var u *InFlightState
	for o := b.baseOffset; o <= b.lastOffset; o++ {
		if b.isGap(o) {
			continue
		}
		s, ok := p.states[o]
		if !ok {
			return nil, false
		}
		if _, gap := p.gaps[o]; gap {
			continue
		}
		if u == nil {
			u = &s
			continue
		}
		if *u != s {
			return nil, false
		}
	}
	return u, true
}

func (p *ackPlan) summary() AckSummary {
	s := AckSummary{Settled: p.settled}
	for o, st := range p.states {
		if _, gap := p.gaps[o]; gap {
			s.Gaps++
			continue
		}
		switch st.State {
		case Acknowledged:
			s.Acknowledged++
		case Available:
			s.Released++
		case Archived:
			s.Archived++
		}
	}
	return s
}
