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
	"testing"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

func TestBroadcaster_DeliversToSubscribers(t *testing.T) {
	b := newBroadcaster()
	ch1, cancel1 := b.subscribe(4)
	ch2, cancel2 := b.subscribe(4)
	defer cancel1()
	defer cancel2()

	b.publish(Event{JobID: "j1", Status: types.JobDownloading, Completed: 100})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.JobID != "j1" || ev.Completed != 100 {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}
}

func TestBroadcaster_DropsWhenSubscriberIsFull(t *testing.T) {
	b := newBroadcaster()
	ch, cancel := b.subscribe(1)
	defer cancel()

	// Only the first fits; the rest must not block the publisher.
	b.publish(Event{JobID: "a"})
	b.publish(Event{JobID: "b"})
	b.publish(Event{JobID: "c"})

	ev := <-ch
	if ev.JobID != "a" {
		t.Errorf("JobID = %q, want a", ev.JobID)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected buffered event %+v", extra)
	default:
	}
}

func TestBroadcaster_CancelStopsDelivery(t *testing.T) {
	b := newBroadcaster()
	ch, cancel := b.subscribe(4)
	cancel()

	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}
	// Publishing after cancel must not panic.
	b.publish(Event{JobID: "late"})

	// Double cancel is a no-op.
	cancel()
}

func TestBroadcaster_CloseShutsDownSubscribers(t *testing.T) {
	b := newBroadcaster()
	ch, cancel := b.subscribe(4)
	defer cancel()

	b.close()
	if _, open := <-ch; open {
		t.Error("channel should be closed after broadcaster close")
	}

	// Subscriptions after close come back already closed.
	late, lateCancel := b.subscribe(4)
	defer lateCancel()
	if _, open := <-late; open {
		t.Error("late subscription should be closed immediately")
	}
}
