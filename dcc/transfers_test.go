/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleIncomingSendGuardsAgainstBusyFile(t *testing.T) {
	s := testSupervisor()
	peer := newPeer("sender")
	peer.ongoing["movie.mkv"] = &OngoingTransfer{FileName: "movie.mkv", Role: RoleReceiver, State: Running}

	s.handleIncomingSend(peer, []string{"movie.mkv", "127.0.0.1", "4000", "1024"})

	// still the original tracked transfer, no duplicate goroutine spawned
	peer.mu.RLock()
	transfer := peer.ongoing["movie.mkv"]
	peer.mu.RUnlock()

	assert.Equal(t, Running, transfer.State)
}

func TestHandleIncomingSendIgnoresMalformedArgs(t *testing.T) {
	s := testSupervisor()
	peer := newPeer("sender")

	s.handleIncomingSend(peer, []string{"movie.mkv"})

	peer.mu.RLock()
	_, tracked := peer.ongoing["movie.mkv"]
	peer.mu.RUnlock()

	assert.False(t, tracked)
}

func TestHandleIncomingStopForwardsToTrackedTransfer(t *testing.T) {
	s := testSupervisor()
	peer := newPeer("sender")
	ctrl := make(chan ControlEnvelope, 1)
	peer.transfers["movie.mkv"] = ctrl

	s.handleIncomingStop(peer, []string{"movie.mkv"})

	select {
	case env := <-ctrl:
		assert.Equal(t, "STOP", env.Subcommand)
	default:
		t.Fatal("expected a STOP envelope on the control channel")
	}
}

func TestHandleIncomingStopIgnoresUnknownFile(t *testing.T) {
	s := testSupervisor()
	peer := newPeer("sender")

	// no transfer tracked; should not panic
	s.handleIncomingStop(peer, []string{"nope.bin"})
}

func TestHandleIncomingResumeRejectsUnknownTransfer(t *testing.T) {
	s := testSupervisor()
	peer := newPeer("sender")

	s.handleIncomingResume(peer, []string{"movie.mkv", "127.0.0.1", "4000", "512"})

	peer.mu.RLock()
	_, tracked := peer.ongoing["movie.mkv"]
	peer.mu.RUnlock()

	assert.False(t, tracked)
}

func TestHandleIncomingResumeUpdatesOffsetForKnownTransfer(t *testing.T) {
	s := testSupervisor()
	peer := newPeer("sender")
	transfer := &OngoingTransfer{FileName: "movie.mkv", Offset: 0, Size: 2048, Role: RoleSender, State: Paused}
	peer.ongoing["movie.mkv"] = transfer

	s.handleIncomingResume(peer, []string{"movie.mkv", "127.0.0.1", "59999", "512"})

	assert.Equal(t, int64(512), transfer.Offset)
}

func TestForgetTransferRemovesBothTables(t *testing.T) {
	s := testSupervisor()
	peer := newPeer("sender")
	peer.ongoing["movie.mkv"] = &OngoingTransfer{FileName: "movie.mkv"}
	peer.transfers["movie.mkv"] = make(chan ControlEnvelope, 1)

	s.forgetTransfer(peer, "movie.mkv")

	peer.mu.RLock()
	_, ongoingExists := peer.ongoing["movie.mkv"]
	_, transferExists := peer.transfers["movie.mkv"]
	peer.mu.RUnlock()

	require.False(t, ongoingExists)
	require.False(t, transferExists)
}
