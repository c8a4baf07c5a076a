/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

// Package dcc implements the client-side DCC CHAT/SEND pipeline (§4.5,
// §4.6): a per-peer connection supervisor that negotiates a direct
// socket over the IRC server's signaling channel, and a transfer
// engine that streams files over that socket once established.
//
// None of this runs on the server: dircd relays DCC-prefixed PRIVMSGs
// exactly like any other chat line. A process embedding this package
// is itself an IRC client, using girc for its server-facing side and
// the state machines here for the peer-to-peer side.
package dcc

import "errors"

// PeerState is the per-peer chat connection state (§4.5).
type PeerState int

const (
	Idle PeerState = iota
	Pending
	Established
	Closed
)

func (s PeerState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Pending:
		return "Pending"
	case Established:
		return "Established"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// TransferState is the per-file transfer state (§4.6).
type TransferState int

const (
	Requested TransferState = iota
	Running
	Paused
	Completed
	Declined
)

func (s TransferState) String() string {
	switch s {
	case Requested:
		return "Requested"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Completed:
		return "Completed"
	case Declined:
		return "Declined"
	default:
		return "Unknown"
	}
}

// FrameSize is the fixed chunk size used when streaming a transfer
// socket (§4.6).
const FrameSize = 1024

// RendezvousDelay is the deterministic pause between a CHAT connect
// attempt and first use of the socket, giving the symmetric peer time
// to bind its own listener (§4.5 "Crucial ordering").
const RendezvousDelay = 500 // milliseconds; see supervisor.go for the time.Duration conversion.

// Sentinel errors for the DCC pipeline (§7, §9).
var (
	ErrUnknownPeer      = errors.New("dcc: no connection for that peer")
	ErrPeerNotReady     = errors.New("dcc: peer connection is not in a state that accepts this")
	ErrUnknownTransfer  = errors.New("dcc: no transfer known for that peer/file pair")
	ErrOngoingTransfer  = errors.New("dcc: a transfer for that peer/file pair is already in progress")
	ErrMalformedControl = errors.New("dcc: malformed control envelope")
	ErrNotConnected     = errors.New("dcc: peer is not connected to the network")
)

// TransferRole distinguishes which side of a transfer this process
// is on, since RESUME routes to a different function depending on
// who holds the file bytes (§4.6).
type TransferRole int

const (
	RoleSender TransferRole = iota
	RoleReceiver
)

// OngoingTransfer records enough state to resume a paused transfer:
// the byte offset already written, the total expected size, and the
// local path data is read from or written to (§4.5, §4.6).
type OngoingTransfer struct {
	Peer      string
	FileName  string
	LocalPath string
	Offset    int64
	Size      int64
	Role      TransferRole
	State     TransferState
}

// Done reports whether the transfer has received every expected byte.
func (t *OngoingTransfer) Done() bool {
	return t.Size >= 0 && t.Offset >= t.Size
}

// ControlEnvelope is a single line of the `DCC <sub> <args>` framing
// used on the direct socket once a chat connection is Established
// (§6). Unlike the signaling PRIVMSG, there is no IRC prefix: the
// socket is already peer-to-peer.
type ControlEnvelope struct {
	Subcommand string
	Args       []string
}
