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
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// All command handler functions do not return an error. Instead each
// must process its own error conditions and reply to the user in the
// correct way, then call ctx.Handled() once it has fully dealt with
// the message.

// preRegisterAllowed is the set of commands a connection may issue
// before completing the registration handshake (§4.3) or, for a
// server link, before SERVER has been accepted (§4.4).
var preRegisterAllowed = map[string]bool{
	CmdPing:   true,
	CmdPong:   true,
	CmdCap:    true,
	CmdPass:   true,
	CmdNick:   true,
	CmdUser:   true,
	CmdQuit:   true,
	CmdServer: true,
}

// requireRegistered is global router middleware: it rejects any
// command besides the registration handshake commands until the
// connection has completed one.
func requireRegistered(ctx *MessageContext) {
	if !ctx.Conn.registered && !preRegisterAllowed[ctx.Msg.Command] {
		ctx.Conn.ReplyNotRegistered()
		ctx.Handled()
	}
}

// registerRoutes wires every command this server understands onto
// router. Called once per Server by NewServer.
func registerRoutes(router *Router) {
	router.Use(requireRegistered)

	router.Handle(CmdPass, handlePass)
	router.Handle(CmdNick, handleNick)
	router.Handle(CmdUser, handleUser)
	router.Handle(CmdCap, handleCap)
	router.Handle(CmdPing, handlePing)
	router.Handle(CmdPong, handlePong)
	router.Handle(CmdQuit, handleQuit)

	router.Handle(CmdJoin, handleJoin)
	router.Handle(CmdPart, handlePart)
	router.Handle(CmdPrivMsg, handlePrivmsg)
	router.Handle(CmdNotice, handleNotice)
	router.Handle(CmdNames, handleNames)
	router.Handle(CmdList, handleList)
	router.Handle(CmdWho, handleWho)
	router.Handle(CmdWhois, handleWhois)
	router.Handle(CmdUserhost, handleUserhost)
	router.Handle(CmdTopic, handleTopic)
	router.Handle(CmdMode, handleMode)
	router.Handle(CmdInvite, handleInvite)
	router.Handle(CmdKick, handleKick)
	router.Handle(CmdAway, handleAway)
	router.Handle(CmdOper, handleOper)

	router.Handle(CmdServer, handleServer)
	router.Handle(CmdSquit, handleSquit)

	registerPeerReplyRoutes(router)
}

// handlePass processes the PASS command (§4.3). It must arrive
// before NICK/USER and only stages the password for the later
// registration check; nothing is validated here since the nick it
// will be checked against isn't known yet.
func handlePass(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if conn.registered {
		conn.ReplyAlreadyRegistered()
		ctx.Handled()
		return
	}

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	conn.pendingPass = msg.Params[0]
	ctx.Handled()
}

// handleNick processes a NICK command, both as the pre-registration
// nickname claim and as a post-registration nick change. A NICK
// arriving over a peer link is a different thing entirely — a remote
// client introduction or rename (§4.4) — and is handled by
// handlePeerNick instead.
//
//	Command: NICK
//	Parameters: <nickname>
func handleNick(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if conn.isPeer {
		handlePeerNick(conn, msg)
		ctx.Handled()
		return
	}

	if !enoughParams(msg, 1) {
		conn.ReplyNoNicknameGiven()
		ctx.Handled()
		return
	}

	nick := msg.Params[0]
	if len(nick) > MaxNickLength {
		conn.ReplyErroneousNickname(nick)
		ctx.Handled()
		return
	}

	lower := strings.ToLower(nick)

	if conn.registered {
		doNickChange(conn, nick, lower)
		ctx.Handled()
		return
	}

	if existing, err := conn.server.Nicks.Get(lower); err == nil && existing.Connected() {
		conn.ReplyNicknameInUse(nick)
		ctx.Handled()
		return
	}

	conn.user.SetNick(nick)
	conn.nickSet = true
	attemptRegister(conn)
	ctx.Handled()
}

func doNickChange(conn *Conn, nick, lower string) {
	old := strings.ToLower(conn.user.Nick())
	if lower != old && conn.server.Nicks.Exists(lower) {
		conn.ReplyNicknameInUse(nick)
		return
	}

	if lower == old {
		return
	}

	notice := conn.newMessage()
	notice.Source = conn.user.Hostmask()
	notice.Command = CmdNick
	notice.Trailing = nick

	conn.server.Nicks.Del(old)
	conn.user.SetNick(nick)
	conn.server.Nicks.Add(lower, conn.user)

	conn.channels.ForEach(func(channel *Channel) {
		channel.Users.Set(lower, conn.user)
		channel.Users.Del(old)
		if channel.Ops.Exists(old) {
			channel.Ops.Set(lower, conn.user)
			channel.Ops.Del(old)
		}
		if channel.Voiced.Exists(old) {
			channel.Voiced.Set(lower, conn.user)
			channel.Voiced.Del(old)
		}
		channel.Send(notice, "")
	})

	propagateToPeers(conn.server, nil, notice)
	msgPool.Recycle(notice)
	conn.server.Journal.Send(clientUpdateRecord(conn.user, "nick", nick))
}

// handlePeerNick processes a NICK line arriving over a peer link,
// introducing or renaming a remote client rather than claiming a
// local one (§4.4). The introduction form carries the fields a local
// NICK never needs — hop count, username, hostname, and home server —
// mirroring the burst a new link replays for every client already
// behind it; a bare renaming form just carries the new nickname with
// the old one as the message prefix.
//
//	Command: NICK (peer introduction form)
//	Parameters: <nickname> <hopcount> <username> <hostname> <servername> :<realname>
//	Command: NICK (peer rename form, prefix = old nick)
//	Parameters: <newnickname>
func handlePeerNick(conn *Conn, msg *Message) {
	// The rename notice built by doNickChange carries the new nick in
	// Trailing (it doubles as the local broadcast handed to
	// channel.Send); the introduction form always carries it as
	// Params[0]. Accept either shape.
	nick := ""
	switch {
	case len(msg.Params) > 0:
		nick = msg.Params[0]
	case msg.Trailing != "":
		nick = msg.Trailing
	default:
		return
	}

	lower := strings.ToLower(nick)

	if msg.Source != "" {
		oldLower := strings.ToLower(nickFromSource(msg.Source))
		existing, err := conn.server.Nicks.Get(oldLower)
		if err != nil {
			return
		}

		hops, _ := conn.server.Network.ClientHops(oldLower)

		conn.server.Nicks.Del(oldLower)
		existing.SetNick(nick)
		conn.server.Nicks.Add(lower, existing)

		conn.server.Network.RemoveClient(oldLower)
		conn.server.Network.SetClientHops(nick, hops)

		propagateToPeers(conn.server, conn, msg)
		return
	}

	if len(msg.Params) < 5 {
		return
	}

	hops, err := strconv.Atoi(msg.Params[1])
	if err != nil {
		return
	}

	if conn.server.Nicks.Exists(lower) {
		return
	}

	username, hostname, servername := msg.Params[2], msg.Params[3], msg.Params[4]
	user := NewUser(nick, username, msg.Trailing, hostname, servername)

	conn.server.Nicks.Add(lower, user)
	conn.server.Network.SetClientHops(nick, hops)

	announce := conn.newMessage()
	announce.Command = CmdNick
	announce.Params = []string{nick, strconv.Itoa(hops + 1), username, hostname, servername}
	announce.Trailing = msg.Trailing
	propagateToPeers(conn.server, conn, announce)
	msgPool.Recycle(announce)
}

// handleUser processes a USER command (§4.3), the second half of the
// registration handshake.
//
//	Command: USER
//	Parameters: <username> <hostname> <servername> :<realname>
func handleUser(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if conn.registered {
		conn.ReplyAlreadyRegistered()
		ctx.Handled()
		return
	}

	if !enoughParams(msg, 3) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	if conn.user.Name() != "" {
		conn.ReplyAlreadyRegistered()
		ctx.Handled()
		return
	}

	conn.user.SetName(msg.Params[0])
	conn.user.SetRealname(msg.Trailing)
	conn.user.SetHostname(conn.remAddr)
	conn.user.SetServer(conn.server.Hostname())

	attemptRegister(conn)
	ctx.Handled()
}

// attemptRegister completes registration once both NICK and USER
// have arrived. If the claimed nick matches a journal-backed record
// of a disconnected user, this drives the password-gated nick
// revival described in §4.3: a matching password reattaches the
// existing identity and flips it back to connected; a missing or
// wrong password refuses registration outright; a nick that is
// already attached to a live connection is a collision.
func attemptRegister(conn *Conn) {
	if conn.registered || !conn.nickSet || conn.user.Name() == "" {
		return
	}

	nick := conn.user.Nick()
	lower := strings.ToLower(nick)

	existing, err := conn.server.Nicks.Get(lower)
	if err != nil {
		conn.registerUser()
		finishRegistration(conn)
		return
	}

	if existing.Connected() {
		conn.ReplyNicknameInUse(nick)
		conn.nickSet = false
		return
	}

	if !existing.HasPassword() || conn.pendingPass == "" || !existing.CheckPassword(conn.pendingPass) {
		conn.ReplyNotRegistered()
		conn.nickSet = false
		return
	}

	existing.SetName(conn.user.Name())
	existing.SetRealname(conn.user.Realname())
	existing.SetHostname(conn.user.Hostname())
	existing.SetServer(conn.server.Hostname())
	existing.SetConnected(true)
	existing.conn = conn

	conn.user = existing
	conn.registered = true

	conn.server.Users.Add(strings.ToLower(existing.Name()), existing)
	if conn.server.Metrics != nil {
		conn.server.Metrics.ClientsGauge.Inc()
	}
	conn.server.Journal.Send(clientUpdateRecord(existing, "connected", "true"))

	finishRegistration(conn)
}

// finishRegistration sends the post-registration burst. If CAP
// negotiation is in flight, the burst waits for CAP END (IRCv3
// ordering) rather than racing it.
func finishRegistration(conn *Conn) {
	if conn.capRequested && !conn.capNegotiated {
		return
	}

	conn.ReplyWelcome()
	conn.ReplyYourHost()
	conn.ReplyCreated()
	conn.ReplyMyInfo()
	conn.ReplyISupport()
	conn.ReplyMOTDStart()
	conn.ReplyMOTDLine(conn.server.MOTD())
	conn.ReplyEndOfMOTD()
}

// handleCap processes the CAP command and its subcommands for
// negotiating capabilities per the IRCv3.2 base spec. Capability
// negotiation itself is left minimal: no capabilities are currently
// advertised, but the handshake is honored so clients that always
// send CAP LS/END don't stall waiting on a reply.
//
//	Command: CAP
//	Parameters: <subcommand> [params...] [:capabilities]
func handleCap(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 1) {
		conn.ReplyInvalidCapCommand("")
		ctx.Handled()
		return
	}

	conn.capRequested = true
	sub := strings.ToUpper(msg.Params[0])

	switch sub {
	case "LS", "LIST":
		reply := conn.newMessage()
		reply.Command = CmdCap
		reply.Params = []string{conn.nickOrStar(), sub}
		conn.Write(reply.RenderBuffer())
		msgPool.Recycle(reply)

	case "REQ":
		if msg.Trailing == "" {
			conn.ReplyNeedMoreParams(msg.Command)
			break
		}
		reply := conn.newMessage()
		reply.Command = CmdCap
		reply.Params = []string{conn.nickOrStar(), "NAK"}
		reply.Trailing = msg.Trailing
		conn.Write(reply.RenderBuffer())
		msgPool.Recycle(reply)

	case "END":
		conn.capNegotiated = true
		attemptRegister(conn)
		if conn.registered {
			finishRegistration(conn)
		}

	default:
		conn.ReplyInvalidCapCommand(sub)
	}

	ctx.Handled()
}

// handlePing answers a client-originated PING with a matching PONG.
//
//	Command: PING
//	Parameters: :<token>
func handlePing(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg
	msg.Source = conn.server.Hostname()
	msg.Command = CmdPong
	conn.Write(msg.RenderBuffer())
	ctx.Handled()
}

// handlePong records the token from a PONG sent in answer to the
// server's own heartbeat PING.
//
//	Command: PONG
//	Parameters: :<token>
func handlePong(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if msg.Trailing == "" {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	conn.Lock()
	conn.lastPingRecv = msg.Trailing
	conn.Unlock()
	ctx.Handled()
}

// handleQuit processes a QUIT command. Arriving over a client
// connection it tears the connection down via conn.doQuit; arriving
// over a peer link it never means the link itself is going away
// (that is SQUIT's job, or the connection simply dropping) — it means
// a remote client behind that peer has quit, handled by
// handlePeerQuit instead.
//
//	Command: QUIT
//	Parameters: :<reason>
func handleQuit(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if conn.isPeer {
		handlePeerQuit(conn, msg)
		ctx.Handled()
		return
	}

	conn.doQuit(msg.Trailing)
	ctx.Handled()
}

// handleJoin processes a JOIN command, including RFC1459's
// comma-separated multi-channel and parallel-key-list forms.
//
//	Command: JOIN
//	Parameters: <channel>{,<channel>} [<key>{,<key>}]
func handleJoin(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	if conn.channels.Length() >= MaxJoinedChans {
		conn.reply(ReplyTooManyChannels, []string{conn.user.Nick(), msg.Params[0]}, "You have joined too many channels")
		ctx.Handled()
		return
	}

	names := strings.Split(msg.Params[0], ",")

	var keys []string
	if len(msg.Params) > 1 {
		keys = strings.Split(msg.Params[1], ",")
	}

	for i, name := range names {
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		joinChannel(conn, name, key)
	}

	ctx.Handled()
}

func joinChannel(conn *Conn, name, key string) {
	lower := strings.ToLower(name)

	channel, err := conn.server.Channels.Get(lower)
	if err != nil {
		channel = NewChannel(name, conn.user)
		conn.server.Channels.Add(lower, channel)
		conn.channels.Add(lower, channel)

		if conn.server.Metrics != nil {
			conn.server.Metrics.ChannelsGauge.Inc()
		}
		conn.server.Journal.Send(channelSaveRecord(channel, conn.user.Nick()))

		notice := conn.newMessage()
		notice.Source = conn.user.Hostmask()
		notice.Command = CmdJoin
		notice.Params = []string{channel.Name()}
		channel.Send(notice, "")
		propagateToPeers(conn.server, peerOrigin(conn), notice)
		msgPool.Recycle(notice)

		conn.ReplyChannelNames(channel)
		return
	}

	if joinErr := channel.CheckJoin(conn.user, key); joinErr != nil {
		switch joinErr {
		case ErrBannedFromChannel:
			conn.ReplyBannedFromChan(name)
		case ErrInviteOnlyChannel:
			conn.ReplyInviteOnlyChan(name)
		case ErrBadChannelKey:
			conn.ReplyBadChannelKey(name)
		case ErrChannelIsFull:
			conn.ReplyChannelIsFull(name)
		default:
			conn.ReplyNoSuchChan(name)
		}
		return
	}

	notice := conn.newMessage()
	notice.Source = conn.user.Hostmask()
	notice.Command = CmdJoin
	notice.Params = []string{channel.Name()}

	channel.Join(conn.user, notice)
	propagateToPeers(conn.server, peerOrigin(conn), notice)
	msgPool.Recycle(notice)

	conn.channels.Add(lower, channel)
	conn.ReplyChannelNames(channel)
}

// handlePart processes a PART command, again honoring the
// comma-separated multi-channel form.
//
//	Command: PART
//	Parameters: <channel>{,<channel>} [:<reason>]
func handlePart(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	for _, name := range strings.Split(msg.Params[0], ",") {
		partChannel(conn, name, msg.Trailing)
	}

	ctx.Handled()
}

func partChannel(conn *Conn, name, reason string) {
	lower := strings.ToLower(name)

	channel, err := conn.server.Channels.Get(lower)
	if err != nil {
		conn.ReplyNoSuchChan(name)
		return
	}

	if !channel.Users.Exists(strings.ToLower(conn.user.Nick())) {
		conn.ReplyNotOnChannel(name)
		return
	}

	notice := conn.newMessage()
	notice.Source = conn.user.Hostmask()
	notice.Command = CmdPart
	notice.Params = []string{channel.Name()}
	notice.Trailing = reason

	channel.Part(conn.user, notice)
	propagateToPeers(conn.server, peerOrigin(conn), notice)
	msgPool.Recycle(notice)

	conn.channels.Del(lower)

	if channel.Local() && channel.Empty() {
		conn.server.Channels.Del(lower)
		if conn.server.Metrics != nil {
			conn.server.Metrics.ChannelsGauge.Dec()
		}
		conn.server.Journal.Send(channelDeleteRecord(channel.Name()))
	}
}

// handlePrivmsg and handleNotice both deliver chat text to a nick or
// channel target; NOTICE differs only in that it must never generate
// an automatic error reply (RFC1459 §4.4.2), to avoid notice loops
// with misbehaving clients or services.
//
// A DCC rendezvous (§4.1, §4.5, §4.6) rides here as an ordinary
// PRIVMSG whose trailing begins "DCC ": this handler relays it like
// any other chat line and takes no part in the client-side DCC
// pipeline.
//
//	Command: PRIVMSG / NOTICE
//	Parameters: <target> :<text>
func handlePrivmsg(ctx *MessageContext) { doChatMessage(ctx) }
func handleNotice(ctx *MessageContext)  { doChatMessage(ctx) }

func doChatMessage(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg
	silent := msg.Command == CmdNotice

	if !enoughParams(msg, 1) || msg.Trailing == "" {
		if !silent {
			conn.ReplyNeedMoreParams(msg.Command)
		}
		ctx.Handled()
		return
	}

	target := msg.Params[0]
	lower := strings.ToLower(target)

	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
		channel, err := conn.server.Channels.Get(lower)
		if err != nil {
			if !silent {
				conn.ReplyNoSuchChan(target)
			}
			ctx.Handled()
			return
		}

		if sendErr := channel.CanSend(conn.user); sendErr != nil {
			if !silent {
				conn.ReplyCannotSendToChan(target)
			}
			ctx.Handled()
			return
		}

		out := conn.newMessage()
		out.Source = conn.user.Hostmask()
		out.Command = msg.Command
		out.Params = []string{target}
		out.Trailing = msg.Trailing
		channel.Send(out, conn.user.Nick())
		propagateToPeers(conn.server, peerOrigin(conn), out)
		msgPool.Recycle(out)
		ctx.Handled()
		return
	}

	target_, err := conn.server.Nicks.Get(lower)
	if err == nil && target_.Connected() {
		if target_.conn != nil {
			out := conn.newMessage()
			out.Source = conn.user.Hostmask()
			out.Command = msg.Command
			out.Params = []string{target}
			out.Trailing = msg.Trailing
			target_.conn.Write(out.RenderBuffer())
			msgPool.Recycle(out)
			ctx.Handled()
			return
		}

		// Known, but not attached to a live local socket: the record
		// belongs to a remote client (§4.3/§4.4). Flood it toward the
		// mesh the same way a JOIN/PART/etc. propagates, since this
		// node's view of the tree is hop counts, not a routing table.
		out := conn.newMessage()
		out.Source = conn.user.Hostmask()
		out.Command = msg.Command
		out.Params = []string{target}
		out.Trailing = msg.Trailing
		propagateToPeers(conn.server, peerOrigin(conn), out)
		msgPool.Recycle(out)
		ctx.Handled()
		return
	}

	if conn.server.Network.KnowsClient(lower) {
		out := conn.newMessage()
		out.Source = conn.user.Hostmask()
		out.Command = msg.Command
		out.Params = []string{target}
		out.Trailing = msg.Trailing
		propagateToPeers(conn.server, peerOrigin(conn), out)
		msgPool.Recycle(out)
		ctx.Handled()
		return
	}

	if !silent {
		conn.ReplyNoSuchNick(target)
	}
	ctx.Handled()
}

// handleNames answers a NAMES query, defaulting to every channel the
// connection is joined to when no target is given.
//
//	Command: NAMES
//	Parameters: [<channel>{,<channel>}]
func handleNames(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 1) {
		conn.channels.ForEach(func(channel *Channel) {
			conn.ReplyChannelNames(channel)
		})
		ctx.Handled()
		return
	}

	for _, name := range strings.Split(msg.Params[0], ",") {
		channel, err := conn.server.Channels.Get(strings.ToLower(name))
		if err != nil {
			continue
		}
		conn.ReplyChannelNames(channel)
	}

	ctx.Handled()
}

// handleList answers a LIST query, skipping Secret and Private
// channels the caller isn't a member of.
//
//	Command: LIST
//	Parameters: [<channel>{,<channel>}]
func handleList(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	conn.ReplyListStart()

	visible := func(channel *Channel) bool {
		hidden := channel.HasMode(CModeSecret) || channel.HasMode(CModePrivate)
		return !hidden || conn.channels.Exists(strings.ToLower(channel.Name()))
	}

	if enoughParams(msg, 1) && msg.Params[0] != "" {
		for _, name := range strings.Split(msg.Params[0], ",") {
			channel, err := conn.server.Channels.Get(strings.ToLower(name))
			if err != nil || !visible(channel) {
				continue
			}
			conn.ReplyListEntry(channel)
		}
	} else {
		conn.server.Channels.ForEach(func(channel *Channel) {
			if visible(channel) {
				conn.ReplyListEntry(channel)
			}
		})
	}

	conn.ReplyEndOfList()
	ctx.Handled()
}

// handleWho answers a WHO query against either a channel's roster or
// a substring match over every known nick.
//
//	Command: WHO
//	Parameters: [<mask>]
func handleWho(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	mask := "*"
	if enoughParams(msg, 1) {
		mask = msg.Params[0]
	}

	if strings.HasPrefix(mask, "#") || strings.HasPrefix(mask, "&") {
		if channel, err := conn.server.Channels.Get(strings.ToLower(mask)); err == nil {
			channel.Users.ForEach(func(user *User) {
				conn.ReplyWho(channel.Name(), user)
			})
		}
	} else {
		needle := strings.ToLower(strings.Trim(mask, "*"))
		conn.server.Nicks.ForEach(func(user *User) {
			if needle == "" || strings.Contains(strings.ToLower(user.Nick()), needle) {
				conn.ReplyWho("*", user)
			}
		})
	}

	conn.ReplyEndOfWho(mask)
	ctx.Handled()
}

// handleWhois answers a WHOIS query for one or more comma-separated
// nicks.
//
//	Command: WHOIS
//	Parameters: [<server>] <nickname>{,<nickname>}
func handleWhois(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	nicks := strings.Split(msg.Params[len(msg.Params)-1], ",")

	for _, nick := range nicks {
		user, err := conn.server.Nicks.Get(strings.ToLower(nick))
		if err != nil || !user.Connected() {
			conn.ReplyNoSuchNick(nick)
			continue
		}

		conn.ReplyWhoisUser(user)
		conn.ReplyWhoisServer(user)

		if user.ModeIsSet(UModeNetOp) {
			conn.ReplyWhoisOperator(user)
		}

		var channels []string
		conn.server.Channels.ForEach(func(channel *Channel) {
			if !channel.Users.Exists(strings.ToLower(user.Nick())) {
				return
			}
			if channel.HasMode(CModeSecret) && !conn.channels.Exists(strings.ToLower(channel.Name())) {
				return
			}

			prefix := ""
			switch {
			case channel.IsOperator(user.Nick()):
				prefix = "@"
			case channel.IsVoiced(user.Nick()):
				prefix = "+"
			}
			channels = append(channels, prefix+channel.Name())
		})
		conn.ReplyWhoisChannels(user, channels)

		conn.ReplyEndOfWhois(nick)
	}

	ctx.Handled()
}

// handleUserhost answers a USERHOST query for up to five nicks.
//
//	Command: USERHOST
//	Parameters: <nickname1> [nickname2] [nickname3] [nickname4] [nickname5]
func handleUserhost(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	nicks := msg.Params
	if len(nicks) > 5 {
		nicks = nicks[:5]
	}

	hosts := make([]string, 0, len(nicks))
	for _, nick := range nicks {
		user, err := conn.server.Nicks.Get(strings.ToLower(nick))
		if err != nil {
			continue
		}
		hosts = append(hosts, nick+"=+"+user.Hostmask())
	}

	conn.reply(ReplyUserHost, []string{conn.user.Nick()}, strings.Join(hosts, " "))
	ctx.Handled()
}

// handleTopic views or sets a channel's topic, honoring TopicLock
// (+t) when present.
//
//	Command: TOPIC
//	Parameters: <channel> [:<topic>]
func handleTopic(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	channel, err := conn.server.Channels.Get(strings.ToLower(msg.Params[0]))
	if err != nil {
		conn.ReplyNoSuchChan(msg.Params[0])
		ctx.Handled()
		return
	}

	if !channel.Users.Exists(strings.ToLower(conn.user.Nick())) {
		conn.ReplyNotOnChannel(msg.Params[0])
		ctx.Handled()
		return
	}

	if len(msg.Params) < 2 && msg.Trailing == "" {
		conn.ReplyChannelTopic(channel)
		ctx.Handled()
		return
	}

	if channel.HasMode(CModeTopicLock) && !channel.IsOperator(conn.user.Nick()) {
		conn.ReplyChanOpPrivsNeeded(channel.Name())
		ctx.Handled()
		return
	}

	channel.SetTopic(msg.Trailing)
	conn.server.Journal.Send(channelUpdateRecord(channel, "topic", msg.Trailing))

	notice := conn.newMessage()
	notice.Source = conn.user.Hostmask()
	notice.Command = CmdTopic
	notice.Params = []string{channel.Name()}
	notice.Trailing = msg.Trailing
	channel.Send(notice, "")
	propagateToPeers(conn.server, peerOrigin(conn), notice)
	msgPool.Recycle(notice)

	ctx.Handled()
}

// handleInvite pre-admits a nick past a channel's InviteOnly gate.
//
//	Command: INVITE
//	Parameters: <nickname> <channel>
func handleInvite(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 2) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	nick, cname := msg.Params[0], msg.Params[1]

	channel, err := conn.server.Channels.Get(strings.ToLower(cname))
	if err != nil {
		conn.ReplyNoSuchChan(cname)
		ctx.Handled()
		return
	}

	if !channel.Users.Exists(strings.ToLower(conn.user.Nick())) {
		conn.ReplyNotOnChannel(cname)
		ctx.Handled()
		return
	}

	if channel.HasMode(CModeInviteOnly) && !channel.IsOperator(conn.user.Nick()) {
		conn.ReplyChanOpPrivsNeeded(cname)
		ctx.Handled()
		return
	}

	target, err := conn.server.Nicks.Get(strings.ToLower(nick))
	if err != nil || !target.Connected() {
		conn.ReplyNoSuchNick(nick)
		ctx.Handled()
		return
	}

	if channel.Users.Exists(strings.ToLower(nick)) {
		conn.ReplyUserOnChannel(nick, cname)
		ctx.Handled()
		return
	}

	channel.Invite(nick)
	conn.ReplyInviting(nick, channel.Name())

	notice := conn.newMessage()
	notice.Source = conn.user.Hostmask()
	notice.Command = CmdInvite
	notice.Params = []string{nick}
	notice.Trailing = channel.Name()
	if target.conn != nil {
		target.conn.Write(notice.RenderBuffer())
	}
	propagateToPeers(conn.server, peerOrigin(conn), notice)
	msgPool.Recycle(notice)

	ctx.Handled()
}

// handleKick removes a member from a channel. The actor must hold
// channel-operator status.
//
//	Command: KICK
//	Parameters: <channel> <nickname> [:<reason>]
func handleKick(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 2) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	cname, nick := msg.Params[0], msg.Params[1]

	channel, err := conn.server.Channels.Get(strings.ToLower(cname))
	if err != nil {
		conn.ReplyNoSuchChan(cname)
		ctx.Handled()
		return
	}

	if !channel.IsOperator(conn.user.Nick()) {
		conn.ReplyChanOpPrivsNeeded(cname)
		ctx.Handled()
		return
	}

	target, err := channel.Users.Get(strings.ToLower(nick))
	if err != nil {
		conn.ReplyUserNotInChannel(nick, cname)
		ctx.Handled()
		return
	}

	reason := msg.Trailing
	if reason == "" {
		reason = conn.user.Nick()
	}

	notice := conn.newMessage()
	notice.Source = conn.user.Hostmask()
	notice.Command = CmdKick
	notice.Params = []string{channel.Name(), nick}
	notice.Trailing = reason

	channel.Part(target, notice)
	propagateToPeers(conn.server, peerOrigin(conn), notice)
	msgPool.Recycle(notice)

	if target.conn != nil {
		target.conn.channels.Del(strings.ToLower(channel.Name()))
	}

	if channel.Local() && channel.Empty() {
		conn.server.Channels.Del(strings.ToLower(cname))
		if conn.server.Metrics != nil {
			conn.server.Metrics.ChannelsGauge.Dec()
		}
		conn.server.Journal.Send(channelDeleteRecord(channel.Name()))
	}

	ctx.Handled()
}

// handleAway toggles the caller's away status (§4.2).
//
//	Command: AWAY
//	Parameters: [:<message>]
func handleAway(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if msg.Trailing == "" {
		conn.user.SetAwayMessage("")
		conn.server.Journal.Send(clientUpdateRecord(conn.user, "away", ""))
		conn.ReplyUnAway()
		ctx.Handled()
		return
	}

	away := msg.Trailing
	if len(away) > MaxAwayLength {
		away = away[:MaxAwayLength]
	}

	conn.user.SetAwayMessage(away)
	conn.server.Journal.Send(clientUpdateRecord(conn.user, "away", away))
	conn.ReplyNowAway()
	ctx.Handled()
}

// handleOper grants network-operator status (§4.2): this is the only
// path that may set UModeNetOp, since that flag is in
// UModeOperatorGrantOnly and MODE refuses to touch it.
//
//	Command: OPER
//	Parameters: <username> <password>
func handleOper(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 2) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	username := strings.ToLower(msg.Params[0])
	password := msg.Params[1]

	hash, exists := conn.server.OperCredentials[username]
	if !exists || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		conn.ReplyPasswordMismatch()
		ctx.Handled()
		return
	}

	conn.user.AddMode(UModeNetOp)
	conn.user.SetPermission(UPermNetOp)
	conn.server.Node.AddServerOperator(conn.user.Nick())
	conn.ReplyYoureOper()
	ctx.Handled()
}

// handleMode dispatches to the channel-mode or user-mode table
// depending on the command's target.
//
//	Command: MODE
//	Parameters: <target> [<modestring> [<mode arguments>...]]
func handleMode(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	target := msg.Params[0]
	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
		handleChannelMode(conn, msg, target)
	} else {
		handleUserModeCmd(conn, msg, target)
	}

	ctx.Handled()
}

func handleUserModeCmd(conn *Conn, msg *Message, target string) {
	if !strings.EqualFold(target, conn.user.Nick()) {
		conn.ReplyNoSuchNick(target)
		return
	}

	if len(msg.Params) < 2 {
		conn.ReplyUserModeIs(userModeString(conn.user))
		return
	}

	set := true
	for _, r := range msg.Params[1] {
		switch r {
		case '+':
			set = true
		case '-':
			set = false
		default:
			umode, ok := umodeLetters[r]
			if !ok {
				conn.ReplyUnknownMode(string(r))
				continue
			}

			var modeErr error
			if set {
				modeErr = SetUserMode(umode, conn.user, conn.user)
			} else {
				modeErr = UnsetUserMode(umode, conn.user, conn.user)
			}

			if modeErr == ErrInsuffPerms {
				conn.ReplyNoPrivileges()
			}
		}
	}
}

func handleChannelMode(conn *Conn, msg *Message, target string) {
	channel, err := conn.server.Channels.Get(strings.ToLower(target))
	if err != nil {
		conn.ReplyNoSuchChan(target)
		return
	}

	if len(msg.Params) < 2 {
		conn.ReplyChannelModeIs(channel)
		return
	}

	if !channel.IsOperator(conn.user.Nick()) {
		conn.ReplyChanOpPrivsNeeded(target)
		return
	}

	args := msg.Params[2:]
	argIndex := 0
	nextArg := func() (string, bool) {
		if argIndex >= len(args) {
			return "", false
		}
		arg := args[argIndex]
		argIndex++
		return arg, true
	}

	set := true
	changed := false

	for _, r := range msg.Params[1] {
		switch r {
		case '+':
			set = true
		case '-':
			set = false

		case 'b':
			nick, ok := nextArg()
			if !ok {
				conn.ReplyBanList(channel)
				continue
			}
			if set {
				banMember(conn, channel, nick)
			} else {
				channel.Unban(nick)
			}
			changed = true

		case 'o':
			nick, ok := nextArg()
			if !ok {
				continue
			}
			if set {
				channel.GrantOperator(nick)
			} else {
				channel.RevokeOperator(nick)
			}
			changed = true

		case 'v':
			nick, ok := nextArg()
			if !ok {
				continue
			}
			if set {
				channel.GrantVoice(nick)
			} else {
				channel.RevokeVoice(nick)
			}
			changed = true

		case 'k':
			if set {
				key, ok := nextArg()
				if !ok {
					continue
				}
				channel.SetKey(key)
			} else {
				channel.SetKey("")
			}
			changed = true

		case 'l':
			if set {
				limit, ok := nextArg()
				if !ok {
					continue
				}
				if n, convErr := strconv.Atoi(limit); convErr == nil {
					channel.SetLimit(n)
				}
			} else {
				channel.SetLimit(0)
			}
			changed = true

		default:
			cmode, ok := cmodeLetters[r]
			if !ok {
				conn.ReplyUnknownMode(string(r))
				continue
			}
			if set {
				channel.AddMode(cmode)
			} else {
				channel.DelMode(cmode)
			}
			changed = true
		}
	}

	if !changed {
		return
	}

	conn.server.Journal.Send(channelUpdateRecord(channel, "modes", channel.ModeString()))

	notice := conn.newMessage()
	notice.Source = conn.user.Hostmask()
	notice.Command = CmdMode
	notice.Params = append([]string{channel.Name()}, msg.Params[1:]...)
	channel.Send(notice, "")
	propagateToPeers(conn.server, peerOrigin(conn), notice)
	msgPool.Recycle(notice)
}

// banMember adds nick to the ban list and, if they are currently
// present, kicks them (§4.2: setting +b on a member ejects them).
func banMember(conn *Conn, channel *Channel, nick string) {
	channel.Ban(nick)

	member, err := channel.Users.Get(strings.ToLower(nick))
	if err != nil {
		return
	}

	kick := conn.newMessage()
	kick.Source = conn.user.Hostmask()
	kick.Command = CmdKick
	kick.Params = []string{channel.Name(), nick}
	kick.Trailing = "Banned"

	channel.Part(member, kick)
	propagateToPeers(conn.server, peerOrigin(conn), kick)
	msgPool.Recycle(kick)

	if member.conn != nil {
		member.conn.channels.Del(strings.ToLower(channel.Name()))
	}
}

// handleServer accepts an inbound SERVER line (§4.4), promoting the
// connection to a peer link if the claimed name isn't already known
// to this node's view of the mesh.
//
//	Command: SERVER
//	Parameters: <servername> [<hopcount>]
func handleServer(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	name := msg.Params[0]
	hops := 1
	if len(msg.Params) > 1 {
		if n, convErr := strconv.Atoi(msg.Params[1]); convErr == nil {
			hops = n
		}
	}

	if hops > MaxServerHops {
		ctx.Handled()
		return
	}

	lower := strings.ToLower(name)

	if strings.EqualFold(name, conn.server.Node.Name()) || conn.server.Network.KnowsServer(lower) {
		conn.reply(ReplyNone, nil, ErrServerAlreadyRegistrd.Error())
		conn.kill <- true
		ctx.Handled()
		return
	}

	conn.isPeer = true
	conn.peerName = name
	conn.registered = true

	conn.server.Node.AddChild(&ServerLink{Name: name, Conn: conn})
	conn.server.Network.SetServerHops(name, hops)
	conn.server.Peers.Add(conn.remAddr, conn)

	log.Infof("irc: Server link established with [%s] at %v hops", name, hops)

	burst := conn.newMessage()
	burst.Command = CmdServer
	burst.Params = []string{conn.server.Node.Name(), "1"}
	conn.Write(burst.RenderBuffer())
	msgPool.Recycle(burst)

	// Answer with the rest of the mesh this node already knows about so
	// the new peer's view converges without waiting on traffic (§4.4).
	conn.ReplyServer(conn.server.Node.Name(), 0)
	for known, knownHops := range conn.server.Network.Servers() {
		if strings.EqualFold(known, name) {
			continue
		}
		conn.ReplyServer(known, knownHops)
	}

	// Pull the new peer's current channel and user state rather than
	// waiting for it to be pushed unprompted.
	pull := conn.newMessage()
	pull.Command = CmdWho
	pull.Params = []string{"*"}
	conn.Write(pull.RenderBuffer())

	pull.Command = CmdNames
	pull.Params = nil
	conn.Write(pull.RenderBuffer())

	pull.Command = CmdList
	conn.Write(pull.RenderBuffer())
	msgPool.Recycle(pull)

	// Re-announce the new link to every other neighbor one hop further
	// out, the same way a JOIN/PART/etc. propagates (§4.3).
	relay := conn.newMessage()
	relay.Command = CmdServer
	relay.Params = []string{name, strconv.Itoa(hops + 1)}
	propagateToPeers(conn.server, conn, relay)
	msgPool.Recycle(relay)

	ctx.Handled()
}

// handleSquit severs a named peer and prunes its subtree from the
// local view of the mesh (§4.4). The actor must hold server-operator
// status.
//
//	Command: SQUIT
//	Parameters: <servername> [:<reason>]
func handleSquit(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		ctx.Handled()
		return
	}

	if !conn.server.Node.IsServerOperator(conn.user.Nick()) {
		conn.ReplyNoPrivileges()
		ctx.Handled()
		return
	}

	name := msg.Params[0]
	reason := msg.Trailing
	if reason == "" {
		reason = "SQUIT issued"
	}

	link, exists := conn.server.Node.Child(name)
	if !exists {
		conn.ReplyNoSuchServer(name)
		ctx.Handled()
		return
	}

	squitServer(conn.server, name, reason)

	if link.Conn != nil {
		link.Conn.kill <- true
	}

	ctx.Handled()
}
