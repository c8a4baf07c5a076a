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

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/btnmasher/random"
)

// Conn represents the server side of an IRC connection. It also
// doubles as the peer-link handle for server-to-server connections
// (§4.4): a registered server link sets isPeer and populates peerName
// instead of user.
type Conn struct {
	sync.RWMutex

	// server is the server on which the connection arrived.
	// Immutable; never nil.
	server *Server

	// sock is the underlying network connection.
	sock net.Conn

	// remAddr is sock.RemoteAddr().String(). Populated inside serve().
	remAddr string

	user          *User
	channels      *ChanMap
	capabilities  *Capabilities
	capRequested  bool
	capNegotiated bool

	// Registration-pipeline state (§4.3): NICK may arrive before USER,
	// and PASS may arrive before either.
	pendingPass string
	nickSet     bool

	// isPeer marks this Conn as a server-to-server link rather than a
	// client session (§4.4).
	isPeer   bool
	peerName string

	incoming *bufio.Scanner
	outgoing *bufio.Writer

	writeQueue chan *bytes.Buffer

	heartbeat *time.Timer

	lastPingSent string
	lastPingRecv string

	kill chan bool

	timeoutForced bool
	registered    bool
}

// NewConn initializes a new instance of Conn
func NewConn(srv *Server, sck net.Conn) *Conn {
	conn := &Conn{
		server:     srv,
		sock:       sck,
		heartbeat:  time.NewTimer(PingTimeout),
		channels:   NewChanMap(),
		incoming:   bufio.NewScanner(sck),
		outgoing:   bufio.NewWriter(sck),
		writeQueue: make(chan *bytes.Buffer, WriteQueueLength),
		kill:       make(chan bool, 5),
	}
	conn.user = &User{
		conn: conn,
		perm: UPermUser,
	}
	return conn
}

func serve(conn *Conn) {
	defer conn.cleanup()
	conn.start()

	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Errorf("irc: Panic serving %v: %v\n%s", conn.remAddr, err, buf)
			conn.doQuit("Server Error.")
		}

		conn.sock.Close()
	}()

	if tlsConn, ok := conn.sock.(*tls.Conn); ok {
		conn.setDeadlines()

		if err := tlsConn.Handshake(); err != nil {
			log.Errorf("irc: TLS handshake error from [%s]: %s", conn.remAddr, err)
			return
		}
	}

	go conn.writeLoop() // Runs until conn.kill channel is signaled
	conn.readLoop()     // Blocks until error
	log.Debugf("irc: readLoop() exited for [%s]", conn.remAddr)
}

func (conn *Conn) start() {
	conn.Lock()
	defer conn.Unlock()

	// This can block until the address is acquired, so just wait.
	conn.remAddr = conn.sock.RemoteAddr().String()

	log.Debugf("irc: Got new connection remote address: [%s]", conn.remAddr)

	// Add self to server connections map now that we have the address to index by.
	conn.server.Conns.Add(conn.remAddr, conn)
}

func (conn *Conn) readLoop() {
	for {
		conn.setReadDeadline()

		if !conn.incoming.Scan() { // Will block here until there is a read or a timeout.
			defer func() { conn.kill <- true }()

			if err := conn.incoming.Err(); err != nil {
				if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
					if !conn.timeoutForced {
						log.Infof("irc: Connection timed out for [%s]", conn.remAddr)
						conn.doQuit("Connection timeout.")
					}
				} else {
					log.Error(err)
				}
			}

			log.Debugf("irc: Closing socket for [%s]", conn.remAddr)

			if err := conn.sock.Close(); err != nil {
				log.Errorf("irc: Socket error when trying to close socket from [%s]: %s", conn.remAddr, err)
			}

			return
		}

		data := conn.incoming.Text()
		log.Infof("irc: [%s]->[SERVER]: %s", conn.remAddr, data)

		var msg *Message
		var err error

		if conn.isPeer {
			msg, err = ParseServer(data)
		} else {
			msg, err = Parse(data)
		}

		if err != nil {
			log.Errorf("irc: Error parsing message from [%s]: %s", conn.remAddr, err)
			continue
		}

		conn.heartbeat.Reset(PingTimeout)

		if conn.server.Metrics != nil {
			conn.server.Metrics.CommandsTotal.WithLabelValues(msg.Command).Inc()
		}

		// DCC signaling rides an ordinary PRIVMSG (§4.1): the server
		// relays it exactly like chat, taking no part in the peer
		// rendezvous or transfer itself (§4.5/§4.6 are client-side).
		conn.server.Router.RouteCommand(conn, msg)
	}
}

func (conn *Conn) writeLoop() {
	for {
		select {
		case <-conn.kill:
			log.Debug("irc: conn.kill signal received in writeLoop(), closing goroutine.")
			conn.forceTimeout()
			return

		case buf := <-conn.writeQueue:
			conn.write(buf)

		case <-conn.heartbeat.C:
			conn.doHeartbeat()
		}
	}
}

// Write enqueues a rendered message buffer for delivery on this
// connection's write loop.
func (conn *Conn) Write(buffer *bytes.Buffer) {
	if buffer.Len() > MaxMsgLength {
		log.Errorf("irc: Error rendering message to buffer for [%s]: Message too long.", conn.remAddr)
		return
	}

	conn.writeQueue <- buffer // Hand message context over to the writeloop goroutine here.
}

func (conn *Conn) write(buffer *bytes.Buffer) {
	defer func() {
		bufPool.Recycle(buffer)
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Errorf("irc: Panic in write socket operation for [%s]: %v\n%s", conn.remAddr, err, buf)

			conn.doQuit("Socket Error.")
		}
	}()

	conn.setWriteDeadline()

	if _, err := conn.outgoing.Write(buffer.Bytes()); err != nil {
		log.Errorf("irc: Error writing to socket for [%s]: %s", conn.remAddr, err)
		conn.doQuit("Socket Error.")
		return
	}

	if err := conn.outgoing.Flush(); err != nil {
		log.Errorf("irc: Error writing to socket [%s]: %s", conn.remAddr, err)
		conn.doQuit("Socket Error.")
		return
	}

	log.Infof("irc: [SERVER]->[%s]: %s", conn.remAddr, strings.TrimSpace(buffer.String()))
}

func (conn *Conn) doHeartbeat() {
	conn.Lock()
	defer conn.Unlock()

	if conn.lastPingRecv != conn.lastPingSent {
		conn.heartbeat.Stop()
		log.Debugf("irc: PING timeout for [%s]: last sent: %s, last received: %s", conn.remAddr, conn.lastPingSent, conn.lastPingRecv)
		conn.doQuit("Connection timeout.")
		return
	}

	str := random.String(10)
	msg := msgPool.New()
	msg.Command = CmdPing
	msg.Trailing = str
	conn.lastPingSent = str
	conn.heartbeat.Reset(PingTimeout)
	conn.Write(msg.RenderBuffer())
	msgPool.Recycle(msg)
}

// doQuit propagates a QUIT to every channel the connection's user is
// joined to and floods it to every peer link, flips connected=false
// (§3 Client lifecycle: the record
// persists, journal-backed, rather than being destroyed), and
// schedules the connection for teardown.
func (conn *Conn) doQuit(reason string) {
	if reason == "" {
		reason = "Client issued QUIT command."
	}

	if conn.isPeer {
		handleSquitFromDrop(conn, reason)
		conn.kill <- true
		return
	}

	msg := msgPool.New()
	msg.Source = conn.user.Hostmask()
	msg.Command = CmdQuit
	msg.Trailing = reason

	if conn.channels.Length() > 0 {
		conn.channels.ForEach(func(channel *Channel) {
			channel.Part(conn.user, msg)
		})
	}

	propagateToPeers(conn.server, nil, msg)
	msgPool.Recycle(msg)

	conn.user.SetConnected(false)
	conn.server.Journal.Send(clientUpdateRecord(conn.user, "connected", "false"))

	conn.kill <- true
}

func (conn *Conn) registerUser() {
	conn.Lock()
	conn.registered = true
	conn.Unlock()

	conn.server.Users.Add(strings.ToLower(conn.user.Name()), conn.user)
	conn.server.Nicks.Add(strings.ToLower(conn.user.Nick()), conn.user)

	if conn.server.Metrics != nil {
		conn.server.Metrics.ClientsGauge.Inc()
	}

	conn.server.Journal.Send(clientSaveRecord(conn.user))
}

func (conn *Conn) cleanup() {
	if conn.isPeer {
		conn.server.Peers.Del(conn.remAddr)
		conn.server.Conns.Del(conn.remAddr)
		return
	}

	if conn.registered {
		conn.server.Users.Del(strings.ToLower(conn.user.Name()))
		conn.server.Nicks.Del(strings.ToLower(conn.user.Nick()))
		if conn.server.Metrics != nil {
			conn.server.Metrics.ClientsGauge.Dec()
		}
	}

	conn.server.Conns.Del(conn.remAddr)
}

func (conn *Conn) setWriteDeadline() {
	if WriteTimeout != 0 {
		conn.sock.SetWriteDeadline(time.Now().Add(WriteTimeout))
	}
}

func (conn *Conn) setReadDeadline() {
	if KeepAliveTimeout != 0 {
		conn.sock.SetReadDeadline(time.Now().Add(KeepAliveTimeout))
	}
}

func (conn *Conn) forceTimeout() {
	conn.Lock()
	defer conn.Unlock()
	conn.timeoutForced = true
	conn.sock.SetReadDeadline(time.Now().Add(time.Microsecond))
}

func (conn *Conn) setDeadlines() {
	conn.setReadDeadline()
	conn.setWriteDeadline()
}

func (conn *Conn) newMessage() *Message {
	msg := msgPool.New()
	msg.Source = conn.server.Hostname()
	return msg
}
