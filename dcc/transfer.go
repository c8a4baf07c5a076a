/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dcc

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ProgressFunc is called after every frame a transfer writes, with
// the transfer's cumulative byte count, so an embedding UI can render
// progress (§4.6: "reports cumulative byte count to the UI after each
// frame").
type ProgressFunc func(peer, fileName string, sent, total int64)

// DownloadDir is where an embedding process writes received files.
// Exported so a caller can point it at a user-chosen directory; the
// supervisor only ever appends a bare file name to it.
var DownloadDir = "."

// Progress is invoked after every frame of every transfer this
// process drives, sender or receiver side. Nil by default.
var Progress ProgressFunc

// serveSend accepts the receiver's connection on listener, then
// streams localPath starting at transfer.Offset in FrameSize chunks,
// honoring STOP envelopes delivered on ctrl (§4.6).
func (s *Supervisor) serveSend(peer *Peer, transfer *OngoingTransfer, listener net.Listener, ctrl chan ControlEnvelope) {
	defer listener.Close()

	sock, err := listener.Accept()
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
			WithError(err).Warn("dcc: transfer listener failed")
		s.forgetTransfer(peer, transfer.FileName)
		return
	}
	defer sock.Close()

	file, err := os.Open(transfer.LocalPath)
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
			WithError(err).Warn("dcc: cannot open local file for SEND")
		s.forgetTransfer(peer, transfer.FileName)
		return
	}
	defer file.Close()

	if transfer.Offset > 0 {
		if _, seekErr := file.Seek(transfer.Offset, io.SeekStart); seekErr != nil {
			s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
				WithError(seekErr).Warn("dcc: cannot seek to resume offset")
			s.forgetTransfer(peer, transfer.FileName)
			return
		}
	}

	transfer.State = Running
	s.streamOut(peer, transfer, sock, file, ctrl)
}

// resumeSendOver streams transfer.LocalPath from transfer.Offset over
// an already-established socket, used by both resume paths below
// (§4.6 RESUME semantics, sender role).
func (s *Supervisor) resumeSendOver(peer *Peer, transfer *OngoingTransfer, sock net.Conn) {
	defer sock.Close()

	file, err := os.Open(transfer.LocalPath)
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
			WithError(err).Warn("dcc: cannot reopen local file for RESUME")
		return
	}
	defer file.Close()

	if _, seekErr := file.Seek(transfer.Offset, io.SeekStart); seekErr != nil {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
			WithError(seekErr).Warn("dcc: cannot seek to resume offset")
		return
	}

	ctrl := make(chan ControlEnvelope, 1)
	peer.mu.Lock()
	peer.transfers[transfer.FileName] = ctrl
	peer.mu.Unlock()

	transfer.State = Running
	s.streamOut(peer, transfer, sock, file, ctrl)
}

// streamOut is the shared sender loop: read a frame, write a frame,
// report progress, repeat until size is reached, STOP arrives, or the
// socket errors.
func (s *Supervisor) streamOut(peer *Peer, transfer *OngoingTransfer, sock net.Conn, file *os.File, ctrl chan ControlEnvelope) {
	buf := make([]byte, FrameSize)

	for {
		select {
		case <-ctrl:
			s.pauseTransfer(peer, transfer)
			return
		default:
		}

		n, readErr := file.Read(buf)
		if n > 0 {
			if _, writeErr := sock.Write(buf[:n]); writeErr != nil {
				s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
					WithError(writeErr).Warn("dcc: transfer socket write failed")
				s.pauseTransfer(peer, transfer)
				return
			}

			transfer.Offset += int64(n)
			if Progress != nil {
				Progress(peer.nick, transfer.FileName, transfer.Offset, transfer.Size)
			}
		}

		if readErr == io.EOF || transfer.Offset >= transfer.Size {
			transfer.State = Completed
			s.forgetTransfer(peer, transfer.FileName)
			s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
				Info("dcc: transfer completed")
			return
		}

		if readErr != nil {
			s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
				WithError(readErr).Warn("dcc: local file read failed")
			s.pauseTransfer(peer, transfer)
			return
		}
	}
}

func (s *Supervisor) pauseTransfer(peer *Peer, transfer *OngoingTransfer) {
	transfer.State = Paused
	peer.mu.Lock()
	delete(peer.transfers, transfer.FileName)
	peer.mu.Unlock()
}

// connectReceive is the downloader's side of a fresh SEND: dial the
// sender's advertised address, create the destination file, and
// stream incoming frames to it until size bytes have arrived or the
// socket closes (§4.6, EOF-as-STOP).
func (s *Supervisor) connectReceive(peer *Peer, transfer *OngoingTransfer, ip string, port int, ctrl chan ControlEnvelope) {
	time.Sleep(RendezvousDelay * time.Millisecond)

	sock, err := net.Dial("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
			WithError(err).Warn("dcc: connectReceive dial failed")
		s.forgetTransfer(peer, transfer.FileName)
		return
	}
	defer sock.Close()

	path := filepath.Join(DownloadDir, transfer.FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
			WithError(err).Warn("dcc: cannot create download file")
		s.forgetTransfer(peer, transfer.FileName)
		return
	}
	defer file.Close()

	transfer.LocalPath = path
	transfer.State = Running
	s.streamIn(peer, transfer, sock, file, ctrl)
}

// resumeReceiveOver reopens the partially-downloaded file for append
// and streams incoming frames from an already-established socket,
// used by both resume paths below (§4.6 RESUME semantics, receiver
// role).
func (s *Supervisor) resumeReceiveOver(peer *Peer, transfer *OngoingTransfer, sock net.Conn) {
	defer sock.Close()

	file, err := os.OpenFile(transfer.LocalPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
			WithError(err).Warn("dcc: cannot reopen download file for append")
		return
	}
	defer file.Close()

	ctrl := make(chan ControlEnvelope, 1)
	peer.mu.Lock()
	peer.transfers[transfer.FileName] = ctrl
	peer.mu.Unlock()

	transfer.State = Running
	s.streamIn(peer, transfer, sock, file, ctrl)
}

// resumeOver dispatches an already-established resume socket to the
// sending or receiving loop depending on which side of the transfer
// this process is on.
func (s *Supervisor) resumeOver(peer *Peer, transfer *OngoingTransfer, sock net.Conn) {
	switch transfer.Role {
	case RoleSender:
		s.resumeSendOver(peer, transfer, sock)
	case RoleReceiver:
		s.resumeReceiveOver(peer, transfer, sock)
	}
}

// streamIn is the shared receiver loop. Like streamOut it honors STOP
// envelopes delivered on ctrl, and in addition treats a clean EOF from
// the peer as an implicit STOP (§4.6).
func (s *Supervisor) streamIn(peer *Peer, transfer *OngoingTransfer, sock net.Conn, file *os.File, ctrl chan ControlEnvelope) {
	buf := make([]byte, FrameSize)

	for {
		select {
		case <-ctrl:
			s.pauseTransfer(peer, transfer)
			return
		default:
		}

		n, readErr := sock.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
					WithError(writeErr).Warn("dcc: local file write failed")
				s.pauseTransfer(peer, transfer)
				return
			}

			transfer.Offset += int64(n)
			if Progress != nil {
				Progress(peer.nick, transfer.FileName, transfer.Offset, transfer.Size)
			}
		}

		if transfer.Size >= 0 && transfer.Offset >= transfer.Size {
			transfer.State = Completed
			s.forgetTransfer(peer, transfer.FileName)
			s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
				Info("dcc: transfer completed")
			return
		}

		if readErr == io.EOF {
			// §4.6: EOF mid-transfer is treated identically to STOP.
			s.pauseTransfer(peer, transfer)
			return
		}

		if readErr != nil {
			s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
				WithError(readErr).Warn("dcc: transfer socket read failed")
			s.pauseTransfer(peer, transfer)
			return
		}
	}
}

// RequestResume asks to resume a transfer this process previously
// paused (§4.6). Per the handshake, the side that *asks* to resume is
// the side that binds and accepts; the peer answering the request
// dials in (see connectResume). Works whether this process is the
// sender or the receiver of the file.
func (s *Supervisor) RequestResume(nick, fileName string) error {
	peer, exists := s.lookupPeer(nick)
	if !exists {
		return ErrUnknownPeer
	}

	peer.mu.RLock()
	transfer, tracked := peer.ongoing[fileName]
	peer.mu.RUnlock()

	if !tracked {
		return ErrUnknownTransfer
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("dcc: binding resume listener: %w", err)
	}

	addr := listener.Addr().(*net.TCPAddr)
	fmt.Fprintf(peer.sock, "DCC RESUME %s %s %d %d\r\n", fileName, addr.IP.String(), addr.Port, transfer.Offset)

	peer.wg.Go(func() {
		defer listener.Close()

		sock, acceptErr := listener.Accept()
		if acceptErr != nil {
			s.log.WithFields(logrus.Fields{"peer": nick, "file": fileName}).
				WithError(acceptErr).Warn("dcc: resume listener failed")
			return
		}

		s.resumeOver(peer, transfer, sock)
	})

	return nil
}

// connectResume is the answering side of a RESUME request (§4.6): the
// peer that asked to resume is listening at ip:port, so this process
// dials in after the rendezvous delay and streams over the resulting
// socket according to which side of the transfer it is on.
func (s *Supervisor) connectResume(peer *Peer, transfer *OngoingTransfer, ip string, port int) {
	time.Sleep(RendezvousDelay * time.Millisecond)

	sock, err := net.Dial("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "file": transfer.FileName}).
			WithError(err).Warn("dcc: connectResume dial failed")
		return
	}

	s.resumeOver(peer, transfer, sock)
}
