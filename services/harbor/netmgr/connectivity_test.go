// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netmgr

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestConnectivity_StartsOnline(t *testing.T) {
	c := NewConnectivity(quietLogger())
	if !c.Online() {
		t.Error("expected fresh tracker to be online")
	}
}

func TestConnectivity_GoesOfflineAfterConsecutiveFailures(t *testing.T) {
	c := NewConnectivity(quietLogger())

	for i := 0; i < connectivityFailureThreshold-1; i++ {
		c.RecordFailure()
		if !c.Online() {
			t.Fatalf("went offline after %d failures, threshold is %d",
				i+1, connectivityFailureThreshold)
		}
	}

	c.RecordFailure()
	if c.Online() {
		t.Error("expected offline after reaching the failure threshold")
	}
}

func TestConnectivity_SuccessRestoresOnline(t *testing.T) {
	c := NewConnectivity(quietLogger())

	for i := 0; i < connectivityFailureThreshold; i++ {
		c.RecordFailure()
	}
	if c.Online() {
		t.Fatal("expected offline")
	}

	c.RecordSuccess()
	if !c.Online() {
		t.Error("expected online after a success")
	}
}

func TestConnectivity_SuccessResetsFailureRun(t *testing.T) {
	c := NewConnectivity(quietLogger())

	c.RecordFailure()
	c.RecordFailure()
	c.RecordSuccess()

	// The run restarted; threshold-1 more failures stay online
	for i := 0; i < connectivityFailureThreshold-1; i++ {
		c.RecordFailure()
	}
	if !c.Online() {
		t.Error("expected online, failure run should have reset")
	}
}

func TestConnectivity_ForcedOfflineIgnoresSuccess(t *testing.T) {
	c := NewConnectivity(quietLogger())

	c.ForceOffline(true)
	if c.Online() {
		t.Fatal("expected forced offline")
	}
	if !c.Forced() {
		t.Error("Forced() should report true")
	}

	c.RecordSuccess()
	if c.Online() {
		t.Error("success must not override forced offline")
	}

	c.ForceOffline(false)
	if !c.Online() {
		t.Error("expected online after releasing the pin")
	}
}

func TestConnectivity_SubscribersNotified(t *testing.T) {
	c := NewConnectivity(quietLogger())

	var transitions int32
	unsubscribe := c.Subscribe(func(online bool) {
		atomic.AddInt32(&transitions, 1)
	})

	for i := 0; i < connectivityFailureThreshold; i++ {
		c.RecordFailure()
	}
	c.RecordSuccess()

	// Callbacks run on their own goroutines
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&transitions) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&transitions); got != 2 {
		t.Errorf("expected 2 notifications (offline, online), got %d", got)
	}

	unsubscribe()
	for i := 0; i < connectivityFailureThreshold; i++ {
		c.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&transitions); got != 2 {
		t.Errorf("notified after unsubscribe: %d", got)
	}
}
