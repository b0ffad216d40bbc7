/*
 * ppmprog - Discrete event scheduler
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package devtime implements a minimal discrete-event scheduler used
// by transport/simbus to model a PPM target's timing (pulse decode
// latency, page program time, session ack delay) without wall-clock
// sleeps, so protocol property tests run instantly and deterministically.
package devtime

import "time"

// Callback runs when its event fires, receiving the caller-supplied tag.
type Callback func(tag int)

type event struct {
	delta time.Duration // time remaining relative to the previous event in the list
	cb    Callback
	tag   int
	owner any
	prev  *event
	next  *event
}

// Scheduler holds a time-ordered list of pending events. The zero
// value is ready to use. It is not safe for concurrent use; callers
// serialize access the way a single simulated target does.
type Scheduler struct {
	head *event
	tail *event
	now  time.Duration
}

// Now returns the scheduler's current virtual time.
func (s *Scheduler) Now() time.Duration {
	return s.now
}

// After schedules cb to run once after delay has elapsed, tagged with
// owner (for Cancel) and tag (passed to cb). A non-positive delay runs
// cb immediately, inline, before After returns. Events due at the same
// time fire in the order they were scheduled.
func (s *Scheduler) After(delay time.Duration, owner any, tag int, cb Callback) {
	if delay <= 0 {
		cb(tag)
		return
	}

	ev := &event{delta: delay, cb: cb, tag: tag, owner: owner}

	cur := s.head
	if cur == nil {
		s.head = ev
		s.tail = ev
		return
	}

	for cur != nil {
		if ev.delta < cur.delta {
			cur.delta -= ev.delta
			ev.prev = cur.prev
			ev.next = cur
			cur.prev = ev
			if ev.prev != nil {
				ev.prev.next = ev
			} else {
				s.head = ev
			}
			return
		}
		ev.delta -= cur.delta
		cur = cur.next
	}

	ev.prev = s.tail
	s.tail.next = ev
	s.tail = ev
}

// Cancel removes every pending event registered with owner and tag.
func (s *Scheduler) Cancel(owner any, tag int) {
	cur := s.head
	for cur != nil {
		next := cur.next
		if cur.owner == owner && cur.tag == tag {
			if next != nil {
				next.delta += cur.delta
				next.prev = cur.prev
			} else {
				s.tail = cur.prev
			}
			if cur.prev != nil {
				cur.prev.next = next
			} else {
				s.head = next
			}
		}
		cur = next
	}
}

// Pending reports whether any event remains scheduled.
func (s *Scheduler) Pending() bool {
	return s.head != nil
}

// Advance moves virtual time forward by d, firing every event whose
// remaining delta falls within that span, in order.
func (s *Scheduler) Advance(d time.Duration) {
	s.now += d
	if s.head == nil {
		return
	}
	s.head.delta -= d
	for s.head != nil && s.head.delta <= 0 {
		ev := s.head
		s.head = ev.next
		if s.head != nil {
			s.head.prev = nil
			s.head.delta += ev.delta
		} else {
			s.tail = nil
		}
		ev.cb(ev.tag)
	}
}

// RunUntilIdle repeatedly advances time to the next pending event
// until none remain, returning the total virtual time elapsed. It is
// the simulated-target analogue of letting real hardware run to
// completion: every scheduled timeout and response fires exactly once,
// in timestamp order, with no wall-clock delay.
func (s *Scheduler) RunUntilIdle() time.Duration {
	start := s.now
	for s.head != nil {
		s.Advance(s.head.delta)
	}
	return s.now - start
}
