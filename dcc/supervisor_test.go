/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dcc

import (
	"io"
	"testing"

	"github.com/lrstanley/girc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSupervisor() *Supervisor {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return NewSupervisor(girc.New(girc.Config{Server: "irc.localhost.net", Nick: "tester"}), "tester", discard.WithField("test", "true"))
}

func TestParseControlLine(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		expectedSub string
		expectedArg []string
		expectErr   bool
	}{
		{"send", "DCC SEND file.txt 127.0.0.1 4000 1024 abc-123", "SEND",
			[]string{"file.txt", "127.0.0.1", "4000", "1024", "abc-123"}, false},
		{"stop", "DCC STOP file.txt", "STOP", []string{"file.txt"}, false},
		{"lowercase subcommand", "DCC resume file.txt 127.0.0.1 4000 512", "RESUME",
			[]string{"file.txt", "127.0.0.1", "4000", "512"}, false},
		{"empty", "", "", nil, true},
		{"whitespace only", "   ", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := parseControlLine(tt.line)
			if tt.expectErr {
				assert.ErrorIs(t, err, ErrMalformedControl)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedSub, env.Subcommand)
			assert.Equal(t, tt.expectedArg, env.Args)
		})
	}
}

func TestPeerForIsIdempotentAndCaseInsensitive(t *testing.T) {
	s := testSupervisor()

	a := s.peerFor("Nick")
	b := s.peerFor("nick")

	assert.Same(t, a, b)
	assert.Equal(t, Idle, a.State())
}

func TestLookupPeerMissing(t *testing.T) {
	s := testSupervisor()

	_, exists := s.lookupPeer("ghost")
	assert.False(t, exists)
}

func TestHandleChatOfferRecordsPendingAddress(t *testing.T) {
	s := testSupervisor()

	s.HandleMessage("peer1", "DCC CHAT tester 127.0.0.1 4500")

	ip, port, ok := s.PendingOffer("peer1")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", ip)
	assert.Equal(t, 4500, port)

	peer, exists := s.lookupPeer("peer1")
	require.True(t, exists)
	assert.Equal(t, Pending, peer.State())
}

func TestHandleChatOfferIgnoresMalformedArgs(t *testing.T) {
	s := testSupervisor()

	s.HandleMessage("peer1", "DCC CHAT tester 127.0.0.1")

	_, _, ok := s.PendingOffer("peer1")
	assert.False(t, ok)
}

func TestDeclineChatResetsPeerToIdle(t *testing.T) {
	s := testSupervisor()

	s.HandleMessage("peer1", "DCC CHAT tester 127.0.0.1 4500")
	s.DeclineChat("peer1")

	peer, exists := s.lookupPeer("peer1")
	require.True(t, exists)
	assert.Equal(t, Idle, peer.State())

	_, _, ok := s.PendingOffer("peer1")
	assert.False(t, ok)
}

func TestAcceptChatRequiresPendingState(t *testing.T) {
	s := testSupervisor()

	err := s.AcceptChat("peer1", "127.0.0.1", 4500)
	assert.ErrorIs(t, err, ErrPeerNotReady)
}

func TestRequestChatRequiresIdleState(t *testing.T) {
	s := testSupervisor()

	s.HandleMessage("peer1", "DCC CHAT tester 127.0.0.1 4500")

	err := s.RequestChat("peer1")
	assert.ErrorIs(t, err, ErrPeerNotReady)
}
