/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dcc

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/girc"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// Peer tracks one DCC chat session with a remote nick (§4.5): the
// interactive socket, its state, and the two transfer tables the
// supervisor consults when a `DCC SEND`/`STOP`/`RESUME` arrives for
// this peer.
type Peer struct {
	mu sync.RWMutex

	nick  string
	state PeerState
	sock  net.Conn

	// offeredIP/offeredPort hold an inbound CHAT offer's advertised
	// address while the peer sits Pending awaiting AcceptChat or
	// DeclineChat.
	offeredIP   string
	offeredPort int

	// transfers maps file name to the control channel a running
	// transfer goroutine listens on for STOP envelopes.
	transfers map[string]chan ControlEnvelope

	// ongoing maps file name to resume bookkeeping, independent of
	// whether a transfer goroutine is currently running for it.
	ongoing map[string]*OngoingTransfer

	wg *conc.WaitGroup
}

func newPeer(nick string) *Peer {
	return &Peer{
		nick:      nick,
		state:     Idle,
		transfers: make(map[string]chan ControlEnvelope),
		ongoing:   make(map[string]*OngoingTransfer),
		wg:        conc.NewWaitGroup(),
	}
}

// State returns the peer's current chat connection state.
func (p *Peer) State() PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Supervisor owns every active DCC peer session for one local IRC
// client identity (§4.5). It is the client-side counterpart to the
// server's relay-only PRIVMSG handling: dircd never looks inside a
// `DCC ...` trailing, it only carries it.
type Supervisor struct {
	mu sync.RWMutex

	irc  *girc.Client
	log  *logrus.Entry
	self string

	peers map[string]*Peer

	// listenAddr is the host the supervisor binds its rendezvous
	// listeners on when initiating an outbound CHAT; the port is
	// chosen per-session by the OS (":0") unless overridden.
	listenAddr string
}

// NewSupervisor wires a Supervisor to an already-configured girc
// client. The client is the supervisor's only path back to the IRC
// server: DCC signaling PRIVMSGs go out through it, and its PRIVMSG
// handler is where inbound `DCC ...` lines are expected to arrive
// (wired by the caller via Supervisor.HandleMessage).
func NewSupervisor(client *girc.Client, selfNick string, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		irc:        client,
		log:        log.WithField("component", "dcc"),
		self:       selfNick,
		peers:      make(map[string]*Peer),
		listenAddr: "0.0.0.0:0",
	}
}

func (s *Supervisor) peerFor(nick string) *Peer {
	lower := strings.ToLower(nick)

	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[lower]
	if !exists {
		peer = newPeer(nick)
		s.peers[lower] = peer
	}
	return peer
}

// lookupPeer returns an existing peer without creating one.
func (s *Supervisor) lookupPeer(nick string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, exists := s.peers[strings.ToLower(nick)]
	return peer, exists
}

// RequestChat begins an outbound DCC CHAT with nick (§4.5): binds a
// rendezvous listener, advertises it over IRC, and moves the peer to
// Pending while a goroutine waits for the incoming connect.
func (s *Supervisor) RequestChat(nick string) error {
	peer := s.peerFor(nick)

	if peer.State() != Idle {
		return ErrPeerNotReady
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("dcc: binding rendezvous listener: %w", err)
	}

	addr := listener.Addr().(*net.TCPAddr)
	peer.setState(Pending)

	s.log.WithFields(logrus.Fields{"peer": nick, "addr": addr.String()}).
		Info("dcc: offering chat, listener bound")

	s.irc.Cmd.Message(nick, fmt.Sprintf("DCC CHAT %s %s %d", s.self, addr.IP.String(), addr.Port))

	peer.wg.Go(func() {
		s.acceptChat(peer, listener)
	})

	return nil
}

func (s *Supervisor) acceptChat(peer *Peer, listener net.Listener) {
	defer listener.Close()

	sock, err := listener.Accept()
	if err != nil {
		s.log.WithField("peer", peer.nick).WithError(err).Warn("dcc: rendezvous listener failed")
		peer.setState(Idle)
		return
	}

	peer.mu.Lock()
	peer.sock = sock
	peer.state = Established
	peer.mu.Unlock()

	s.log.WithField("peer", peer.nick).Info("dcc: chat established (inbound connect)")
	s.runChatLoop(peer)
}

// AcceptChat answers an inbound `DCC CHAT` request recorded earlier by
// HandleMessage/handleChatOffer (§4.5): the user has already agreed
// (outside this package's concern) and we connect to the offered
// address, send ACCEPT, and move to Established.
func (s *Supervisor) AcceptChat(nick, ip string, port int) error {
	peer := s.peerFor(nick)

	if peer.State() != Pending {
		return ErrPeerNotReady
	}

	peer.mu.Lock()
	peer.offeredIP, peer.offeredPort = "", 0
	peer.mu.Unlock()

	time.Sleep(RendezvousDelay * time.Millisecond)

	sock, err := net.Dial("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		peer.setState(Idle)
		return fmt.Errorf("dcc: connecting to %s:%d: %w", ip, port, err)
	}

	fmt.Fprintf(sock, "DCC ACCEPT\r\n")

	peer.mu.Lock()
	peer.sock = sock
	peer.state = Established
	peer.mu.Unlock()

	s.log.WithField("peer", nick).Info("dcc: chat established (outbound connect)")

	peer.wg.Go(func() {
		s.runChatLoop(peer)
	})

	return nil
}

// DeclineChat rejects an inbound `DCC CHAT` offer recorded by
// HandleMessage/handleChatOffer (§4.5): sends CLOSE on the signaling
// channel and returns the peer to Idle since no socket was ever opened
// on this side.
func (s *Supervisor) DeclineChat(nick string) {
	s.irc.Cmd.Message(nick, fmt.Sprintf("DCC CLOSE %s", s.self))

	if peer, exists := s.lookupPeer(nick); exists {
		peer.mu.Lock()
		peer.offeredIP, peer.offeredPort = "", 0
		peer.state = Idle
		peer.mu.Unlock()
	}
}

// Close marks the peer Closed and closes its chat socket, which ends
// runChatLoop, then waits for every goroutine tracked for this peer.
// In-flight transfers run on their own sockets and are not
// interrupted; Close returns only after they finish.
func (s *Supervisor) Close(nick string) error {
	peer, exists := s.lookupPeer(nick)
	if !exists {
		return ErrUnknownPeer
	}

	peer.mu.Lock()
	sock := peer.sock
	peer.state = Closed
	peer.mu.Unlock()

	if sock != nil {
		sock.Close()
	}

	peer.wg.Wait()
	return nil
}

// NotConnected synthesizes the fallback the spec describes for when
// the routing layer discovers the peer has logged off mid-session
// (§4.5): a `DCC CLOSE target NotConnected` back to the originator.
func (s *Supervisor) NotConnected(nick string) {
	s.irc.Cmd.Message(nick, fmt.Sprintf("DCC CLOSE %s NotConnected", s.self))
	if peer, exists := s.lookupPeer(nick); exists {
		peer.setState(Closed)
	}
}

// runChatLoop reads control envelopes off the established socket
// until it closes, dispatching SEND/STOP/RESUME/CLOSE to the transfer
// engine (transfer.go / transfers.go own the actual frame streaming).
func (s *Supervisor) runChatLoop(peer *Peer) {
	peer.mu.RLock()
	sock := peer.sock
	peer.mu.RUnlock()

	scanner := bufio.NewScanner(sock)
	for scanner.Scan() {
		env, err := parseControlLine(scanner.Text())
		if err != nil {
			s.log.WithField("peer", peer.nick).WithError(err).Warn("dcc: dropping malformed control line")
			continue
		}

		s.dispatchControl(peer, env)
	}

	peer.setState(Closed)
	s.log.WithField("peer", peer.nick).Info("dcc: chat socket closed")
}

func (s *Supervisor) dispatchControl(peer *Peer, env ControlEnvelope) {
	switch env.Subcommand {
	case "SEND":
		s.handleIncomingSend(peer, env.Args)
	case "STOP":
		s.handleIncomingStop(peer, env.Args)
	case "RESUME":
		s.handleIncomingResume(peer, env.Args)
	case "CLOSE":
		peer.setState(Closed)
		if peer.sock != nil {
			peer.sock.Close()
		}
	default:
		s.log.WithFields(logrus.Fields{"peer": peer.nick, "sub": env.Subcommand}).
			Warn("dcc: unrecognized control subcommand")
	}
}

func parseControlLine(line string) (ControlEnvelope, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "DCC "))
	if len(fields) == 0 {
		return ControlEnvelope{}, ErrMalformedControl
	}
	return ControlEnvelope{Subcommand: strings.ToUpper(fields[0]), Args: fields[1:]}, nil
}

// HandleMessage is the supervisor's entry point for the IRC-side half
// of the handshake (§4.5): dircd relays DCC-prefixed PRIVMSGs exactly
// like any other chat line, so a girc PRIVMSG callback hands the
// sender's nick and trailing text here. This is the only path by
// which CHAT/CLOSE arrive, since before a peer socket exists there is
// nowhere else for them to land; ACCEPT is sent on the direct socket
// instead. Once Established, SEND/STOP/RESUME move to the direct
// socket and runChatLoop takes over.
func (s *Supervisor) HandleMessage(nick, trailing string) {
	env, err := parseControlLine(trailing)
	if err != nil {
		return
	}

	switch env.Subcommand {
	case "CHAT":
		s.handleChatOffer(nick, env.Args)
	case "ACCEPT":
		// Arrives on the direct socket, not over IRC; nothing to do here.
	case "CLOSE":
		if peer, exists := s.lookupPeer(nick); exists {
			peer.setState(Closed)
		}
	default:
		s.log.WithFields(logrus.Fields{"peer": nick, "sub": env.Subcommand}).
			Warn("dcc: unrecognized signaling subcommand over IRC")
	}
}

// handleChatOffer records an inbound `DCC CHAT` offer so a caller can
// later decide, via AcceptChat or DeclineChat, what to do with it.
// §4.5 leaves the accept/decline decision to the embedding UI; this
// only stashes the offered address on the Pending peer.
func (s *Supervisor) handleChatOffer(nick string, args []string) {
	if len(args) < 3 {
		s.log.WithField("peer", nick).Warn("dcc: malformed CHAT offer, ignoring")
		return
	}

	peer := s.peerFor(nick)
	if peer.State() != Idle {
		s.log.WithField("peer", nick).Warn("dcc: CHAT offer for a peer already in progress, ignoring")
		return
	}

	port, err := strconv.Atoi(args[2])
	if err != nil {
		s.log.WithField("peer", nick).WithError(err).Warn("dcc: malformed CHAT offer port")
		return
	}

	peer.setState(Pending)
	peer.mu.Lock()
	peer.offeredIP = args[1]
	peer.offeredPort = port
	peer.mu.Unlock()
}

// PendingOffer returns the address a peer advertised in an unanswered
// `DCC CHAT` offer, so an embedding UI can present it before calling
// AcceptChat or DeclineChat.
func (s *Supervisor) PendingOffer(nick string) (ip string, port int, ok bool) {
	peer, exists := s.lookupPeer(nick)
	if !exists {
		return "", 0, false
	}

	peer.mu.RLock()
	defer peer.mu.RUnlock()

	if peer.state != Pending || peer.offeredIP == "" {
		return "", 0, false
	}

	return peer.offeredIP, peer.offeredPort, true
}
