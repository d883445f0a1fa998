// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// Event is one progress sample or state change for a job. Consumers
// include the CLI progress renderer, the daemon's websocket feed, and
// the import pipeline, which watches for completions.
type Event struct {
	JobID     string          `json:"job_id"`
	Status    types.JobStatus `json:"status"`
	Completed int64           `json:"completed"`
	Total     int64           `json:"total"`
	Speed     float64         `json:"speed"`
	Error     string          `json:"error,omitempty"`
	Time      time.Time       `json:"time"`
}

// broadcaster fans events out to subscriber channels. Publishing never
// blocks: a subscriber that falls behind loses samples, not the
// download. State changes are cheap to re-derive from a Status call,
// so dropped events are tolerable.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

// subscribe returns a receive channel and a cancel function. The
// channel is closed on cancel or broadcaster shutdown.
func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// publish delivers the event to every subscriber with room in its
// buffer.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close shuts every subscriber channel down.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
