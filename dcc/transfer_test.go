/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dcc

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamOutToStreamIn(t *testing.T) {
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "source.bin")
	payload := make([]byte, FrameSize*3+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(srcPath, payload, 0o644))

	dstPath := filepath.Join(dir, "dest.bin")
	dstFile, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer dstFile.Close()

	srcFile, err := os.Open(srcPath)
	require.NoError(t, err)
	defer srcFile.Close()

	clientSock, serverSock := net.Pipe()

	s := testSupervisor()
	sendPeer := newPeer("receiver")
	recvPeer := newPeer("sender")

	sendTransfer := &OngoingTransfer{FileName: "source.bin", Size: int64(len(payload)), Role: RoleSender}
	recvTransfer := &OngoingTransfer{FileName: "source.bin", Size: int64(len(payload)), Role: RoleReceiver}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.streamOut(sendPeer, sendTransfer, clientSock, srcFile, make(chan ControlEnvelope, 1))
	}()
	go func() {
		defer wg.Done()
		s.streamIn(recvPeer, recvTransfer, serverSock, dstFile, make(chan ControlEnvelope, 1))
	}()

	wg.Wait()

	assert.Equal(t, Completed, sendTransfer.State)
	assert.Equal(t, Completed, recvTransfer.State)
	assert.Equal(t, int64(len(payload)), sendTransfer.Offset)
	assert.Equal(t, int64(len(payload)), recvTransfer.Offset)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStreamOutStopsOnControlEnvelope(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(srcPath, make([]byte, FrameSize*10), 0o644))

	srcFile, err := os.Open(srcPath)
	require.NoError(t, err)
	defer srcFile.Close()

	clientSock, serverSock := net.Pipe()
	defer serverSock.Close()

	s := testSupervisor()
	peer := newPeer("receiver")
	transfer := &OngoingTransfer{FileName: "source.bin", Size: FrameSize * 10, Role: RoleSender}
	peer.transfers["source.bin"] = make(chan ControlEnvelope, 1)

	ctrl := peer.transfers["source.bin"]
	ctrl <- ControlEnvelope{Subcommand: "STOP"}

	done := make(chan struct{})
	go func() {
		s.streamOut(peer, transfer, clientSock, srcFile, ctrl)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("streamOut did not stop on STOP envelope")
	}

	assert.Equal(t, Paused, transfer.State)
}

func TestSendFileRejectsConcurrentTransferForSameFile(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("hello"), 0o644))

	s := testSupervisor()
	peer := s.peerFor("receiver")
	peer.mu.Lock()
	peer.state = Established
	peer.sock = &discardConn{}
	peer.mu.Unlock()

	err := s.SendFile("receiver", srcPath, "source.bin", 5)
	require.NoError(t, err)

	err = s.SendFile("receiver", srcPath, "source.bin", 5)
	assert.ErrorIs(t, err, ErrOngoingTransfer)
}

func TestSendFileRequiresEstablishedPeer(t *testing.T) {
	s := testSupervisor()

	err := s.SendFile("ghost", "/nonexistent", "file.bin", 5)
	assert.ErrorIs(t, err, ErrPeerNotReady)
}

// discardConn is a minimal net.Conn that swallows writes, standing in
// for the peer's direct chat socket (where SendFile writes its SEND
// line) in tests that only exercise the
// bookkeeping around SendFile, not actual frame transfer.
type discardConn struct{ net.Conn }

func (d *discardConn) Write(p []byte) (int, error) { return len(p), nil }
func (d *discardConn) Close() error                { return nil }
