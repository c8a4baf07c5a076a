/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dcc

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SendFile offers a file transfer to an already-Established peer
// (§4.6). The simultaneous-transfer guard refuses a second SEND for a
// (peer, filename) pair already tracked in ongoing_transfers, per
// spec: the caller gets ErrOngoingTransfer without anything touching
// a socket.
func (s *Supervisor) SendFile(nick, localPath, fileName string, size int64) error {
	peer, exists := s.lookupPeer(nick)
	if !exists || peer.State() != Established {
		return ErrPeerNotReady
	}

	peer.mu.Lock()
	if _, busy := peer.ongoing[fileName]; busy {
		peer.mu.Unlock()
		return ErrOngoingTransfer
	}

	transfer := &OngoingTransfer{
		Peer:      nick,
		FileName:  fileName,
		LocalPath: localPath,
		Offset:    0,
		Size:      size,
		Role:      RoleSender,
		State:     Requested,
	}
	peer.ongoing[fileName] = transfer
	peer.mu.Unlock()

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		s.forgetTransfer(peer, fileName)
		return fmt.Errorf("dcc: binding transfer listener: %w", err)
	}

	addr := listener.Addr().(*net.TCPAddr)
	id := uuid.New()

	fmt.Fprintf(peer.sock, "DCC SEND %s %s %d %d %s\r\n",
		fileName, addr.IP.String(), addr.Port, size, id.String())

	ctrl := make(chan ControlEnvelope, 1)
	peer.mu.Lock()
	peer.transfers[fileName] = ctrl
	peer.mu.Unlock()

	peer.wg.Go(func() {
		s.serveSend(peer, transfer, listener, ctrl)
	})

	return nil
}

// handleIncomingSend answers an inbound `DCC SEND` control envelope
// (receiver's side, §4.6): registers an ongoing_transfers entry at
// offset 0 and connects out to the sender's advertised socket.
func (s *Supervisor) handleIncomingSend(peer *Peer, args []string) {
	if len(args) < 4 {
		s.log.WithField("peer", peer.nick).Warn("dcc: malformed SEND, ignoring")
		return
	}

	fileName, ip, portStr, sizeStr := args[0], args[1], args[2], args[3]

	port, err := strconv.Atoi(portStr)
	if err != nil {
		s.log.WithField("peer", peer.nick).WithError(err).Warn("dcc: malformed SEND port")
		return
	}

	size, _ := strconv.ParseInt(sizeStr, 10, 64)

	peer.mu.Lock()
	if _, busy := peer.ongoing[fileName]; busy {
		peer.mu.Unlock()
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": fileName}).
			Warn("dcc: inbound SEND for a file already tracked, ignoring")
		return
	}

	transfer := &OngoingTransfer{
		Peer:     peer.nick,
		FileName: fileName,
		Offset:   0,
		Size:     size,
		Role:     RoleReceiver,
		State:    Requested,
	}
	peer.ongoing[fileName] = transfer
	ctrl := make(chan ControlEnvelope, 1)
	peer.transfers[fileName] = ctrl
	peer.mu.Unlock()

	peer.wg.Go(func() {
		s.connectReceive(peer, transfer, ip, port, ctrl)
	})
}

// handleIncomingStop forwards a STOP envelope to the transfer
// goroutine tracking that file, if one is running. §4.6 also treats
// socket EOF mid-transfer identically, which the transfer goroutines
// themselves handle without going through this path.
func (s *Supervisor) handleIncomingStop(peer *Peer, args []string) {
	if len(args) < 1 {
		return
	}
	fileName := args[0]

	peer.mu.RLock()
	ctrl, exists := peer.transfers[fileName]
	peer.mu.RUnlock()

	if !exists {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": fileName}).
			Warn("dcc: STOP for a file with no running transfer")
		return
	}

	select {
	case ctrl <- ControlEnvelope{Subcommand: "STOP", Args: args}:
	default:
	}
}

// handleIncomingResume answers an inbound `DCC RESUME` (§4.6): the
// peer that sent it is already listening at ip:port, so this process
// dials in after the rendezvous delay and streams over the resulting
// socket (see connectResume / resumeOver), regardless of which side
// of the transfer it is on.
func (s *Supervisor) handleIncomingResume(peer *Peer, args []string) {
	if len(args) < 4 {
		s.log.WithField("peer", peer.nick).Warn("dcc: malformed RESUME, ignoring")
		return
	}

	fileName, ip, portStr, offsetStr := args[0], args[1], args[2], args[3]

	port, err := strconv.Atoi(portStr)
	if err != nil {
		s.log.WithField("peer", peer.nick).WithError(err).Warn("dcc: malformed RESUME port")
		return
	}

	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil {
		s.log.WithField("peer", peer.nick).WithError(err).Warn("dcc: malformed RESUME offset")
		return
	}

	peer.mu.RLock()
	transfer, exists := peer.ongoing[fileName]
	peer.mu.RUnlock()

	if !exists {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": fileName}).
			Warn("dcc: RESUME for an unknown transfer")
		return
	}

	transfer.Offset = offset

	peer.wg.Go(func() {
		s.connectResume(peer, transfer, ip, port)
	})
}

func (s *Supervisor) forgetTransfer(peer *Peer, fileName string) {
	peer.mu.Lock()
	delete(peer.ongoing, fileName)
	delete(peer.transfers, fileName)
	peer.mu.Unlock()
}
