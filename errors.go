/*
   Copyright (c) 2020, btnmasher
   All rights reserved.

   Redistribution and use in source and binary forms, with or without modification, are permitted provided that
   the following conditions are met:

   1. Redistributions of source code must retain the above copyright notice, this list of conditions and the
      following disclaimer.

   2. Redistributions in binary form must reproduce the above copyright notice, this list of conditions and
      the following disclaimer in the documentation and/or other materials provided with the distribution.

   3. Neither the name of the copyright holder nor the names of its contributors may be used to endorse or
      promote products derived from this software without specific prior written permission.

   THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED
   WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A
   PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE FOR
   ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED
   TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION)
   HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
   NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
   POSSIBILITY OF SUCH DAMAGE.
*/

package dircd

// Error is a workaround to allow for immutable error strings
// which satisfy the error interface.
type Error string

func (err Error) Error() string {
	return string(err)
}

func (err Error) String() string {
	return string(err)
}

// Protocol errors: malformed wire input. The connection stays open.
const (
	ErrMessageTooShort Error = "Did not receive enough data from the client"
	ErrMessageTooLong  Error = "Received data from the client is too long"
	ErrCRLF            Error = "No CRLF"
	ErrWhitespace      Error = "All Whitepace"
	ErrPrefixed        Error = "Prefixed message from client"
	ErrInvalidCapCmd   Error = "Invalid CAP command"
	ErrMissingParams   Error = "Missing parameters"
	ErrTooManyParams   Error = "Too many parameters"
	ErrMalformedDCC    Error = "Malformed DCC message"
)

// Registration/session semantic errors.
const (
	ErrUserInUse      Error = "This username is currently in use"
	ErrUserRestricted Error = "This username is restricted"
	ErrUserAreadySet  Error = "You have already registered"
	ErrNickInUse      Error = "This nickname is currently in use"
	ErrNickRestricted Error = "This nickname is restricted"
	ErrNickAlreadySet Error = "You already have that nickname"
	ErrNotImplemented Error = "That command is not yet implemented"
	ErrNotRegistered  Error = "You must register first"
	ErrNoNickGiven    Error = "No nickname given"
	ErrNoSuchNick     Error = "Nick not found"
	ErrNoSuchChan     Error = "Channel not found"
	ErrInsuffPerms    Error = "Insufficient permissions"
	ErrUnknownMode    Error = "Unknown mode"
	ErrModeAlreadySet Error = "Mode already set"
	ErrModeNotSet     Error = "Mode is not set"
)

// Channel semantic errors (§4.2/§4.3 of the mode table).
const (
	ErrInviteOnlyChannel     Error = "Cannot join channel (+i)"
	ErrChannelIsFull         Error = "Cannot join channel (+l)"
	ErrBadChannelKey         Error = "Cannot join channel (+k)"
	ErrBannedFromChannel     Error = "Cannot join channel (+b)"
	ErrCannotSendToChannel   Error = "Cannot send to channel"
	ErrNotOnChannel          Error = "You're not on that channel"
	ErrUserOnChannel         Error = "User is already on that channel"
	ErrChanOpPrivsNeeded     Error = "You're not a channel operator"
	ErrCannotRemoveLastOp    Error = "You are the last operator, cannot demote yourself"
	ErrNoSuchServer          Error = "No such server"
	ErrServerAlreadyRegistrd Error = "Server already registered"
	ErrOperPasswordMismatch  Error = "Password incorrect"
)

// Server lifecycle errors.
const (
	ErrServerClosed Error = "irc: Server closed"
)

// DCC errors (§4.5/§4.6). Surfaced to the UI as structured notifications;
// the corresponding direct socket is closed.
const (
	ErrOngoingTransfer   Error = "A transfer for this file is already in progress"
	ErrUnknownTransfer   Error = "No ongoing transfer matches this resume request"
	ErrNoSuchPeer        Error = "No established DCC session with that peer"
	ErrPeerNotConnected  Error = "Peer is not connected to the network"
	ErrListenerFailed    Error = "Failed to open a listening socket for the transfer"
	ErrTransferDeclined  Error = "The peer declined the transfer"
	ErrInvalidDCCAddress Error = "Invalid DCC listening address"
)
