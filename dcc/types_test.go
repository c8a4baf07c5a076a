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
)

func TestPeerStateString(t *testing.T) {
	tests := []struct {
		name     string
		state    PeerState
		expected string
	}{
		{"idle", Idle, "Idle"},
		{"pending", Pending, "Pending"},
		{"established", Established, "Established"},
		{"closed", Closed, "Closed"},
		{"unknown", PeerState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestTransferStateString(t *testing.T) {
	tests := []struct {
		name     string
		state    TransferState
		expected string
	}{
		{"requested", Requested, "Requested"},
		{"running", Running, "Running"},
		{"paused", Paused, "Paused"},
		{"completed", Completed, "Completed"},
		{"declined", Declined, "Declined"},
		{"unknown", TransferState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestOngoingTransferDone(t *testing.T) {
	tests := []struct {
		name     string
		transfer OngoingTransfer
		expected bool
	}{
		{"not started", OngoingTransfer{Offset: 0, Size: 100}, false},
		{"partial", OngoingTransfer{Offset: 50, Size: 100}, false},
		{"exact", OngoingTransfer{Offset: 100, Size: 100}, true},
		{"overshoot", OngoingTransfer{Offset: 101, Size: 100}, true},
		{"unknown size", OngoingTransfer{Offset: 50, Size: -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.transfer.Done())
		})
	}
}
