/*
   Copyright (c) 2020, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dircd

import (
	"strconv"
	"strings"
)

// propagateToPeers floods msg to every established peer link except
// origin, the link it arrived on (§4.3 "Propagation policy per
// command"). JOIN, PART, KICK, TOPIC, MODE, INVITE, channel PRIVMSG,
// and NICK only reach locally-connected recipients through
// channel.Send or a direct conn.Write, so this is the only path by
// which the rest of the mesh learns of them. origin is nil for
// traffic that originated with a directly-connected client, in which
// case every known peer receives it.
func propagateToPeers(server *Server, origin *Conn, msg *Message) {
	if server.Peers.Length() == 0 {
		return
	}

	buf := msg.RenderBuffer()
	server.Peers.ForEach(func(peer *Conn) {
		if peer == origin {
			return
		}
		peer.Write(buf)
	})
}

// peerOrigin returns conn when it is a peer link, or nil otherwise, for
// passing to propagateToPeers: traffic relayed onward from a peer
// excludes the link it arrived on, while traffic originating with a
// local client has no arrival link to exclude.
func peerOrigin(conn *Conn) *Conn {
	if conn.isPeer {
		return conn
	}
	return nil
}

// nickFromSource extracts the nickname portion of a message prefix
// (nick!user@host or a bare nick), returning the whole string if it
// carries no '!'.
func nickFromSource(source string) string {
	if idx := strings.IndexByte(source, '!'); idx >= 0 {
		return source[:idx]
	}
	return source
}

// handlePeerQuit processes a QUIT relayed over a peer link about one
// of its remote clients (§4.4). Unlike a dropped socket, this never
// tears down the link itself — it only removes the one nick that quit
// from every channel it sat in, the Nicks table, and the Network
// view, then relays the QUIT onward to the rest of the mesh.
func handlePeerQuit(conn *Conn, msg *Message) {
	if msg.Source == "" {
		return
	}

	nick := nickFromSource(msg.Source)
	lower := strings.ToLower(nick)

	user, err := conn.server.Nicks.Get(lower)
	if err != nil || user.conn != nil {
		return
	}

	conn.server.Channels.ForEach(func(channel *Channel) {
		if channel.Users.Exists(lower) {
			channel.Part(user, msg)
		}
	})

	conn.server.Nicks.Del(lower)
	conn.server.Network.RemoveClient(lower)

	propagateToPeers(conn.server, conn, msg)
}

// registerPeerReplyRoutes wires the numeric replies a peer link sends
// back in response to the WHO/NAMES/LIST/SERVER burst handleServer
// issues on link-up. These numerics are never something a directly
// connected client should originate, so every handler below guards
// against a local connection forging one.
func registerPeerReplyRoutes(router *Router) {
	router.Handle(strconv.Itoa(ReplyNames), handlePeerNames)
	router.Handle(strconv.Itoa(ReplyEndOfNames), handlePeerEndOfNames)
	router.Handle(strconv.Itoa(ReplyWho), handlePeerWho)
	router.Handle(strconv.Itoa(ReplyServer), handlePeerServer)
	router.Handle(strconv.Itoa(ReplyChannelModeIs), handlePeerChannelModeIs)
}

// memberPrefix strips a NAMES-reply membership prefix (@, +, %, ~, &)
// from a nickname, returning the plain nick and whether it carried
// operator or voice standing.
func memberPrefix(token string) (nick string, op, voice bool) {
	if len(token) == 0 {
		return token, false, false
	}
	switch token[0] {
	case '@', '~', '&', '%':
		return token[1:], true, false
	case '+':
		return token[1:], false, true
	default:
		return token, false, false
	}
}

// handlePeerNames merges a 353 (RPL_NAMREPLY) arriving over a peer
// link into the local channel roster, creating a skeleton channel if
// this node has never heard of it before (§4.4). Only members this
// node already has a Nicks record for are added; an unrecognized nick
// is filled in once the corresponding NICK introduction arrives.
func handlePeerNames(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg
	ctx.Handled()

	if !conn.isPeer || len(msg.Params) < 3 || msg.Trailing == "" {
		return
	}

	cname := msg.Params[2]
	lower := strings.ToLower(cname)

	channel, err := conn.server.Channels.Get(lower)
	if err != nil {
		channel = NewChannel(cname, nil)
		conn.server.Channels.Add(lower, channel)
	}

	for _, token := range strings.Fields(msg.Trailing) {
		nick, op, voice := memberPrefix(token)
		nlower := strings.ToLower(nick)

		user, uerr := conn.server.Nicks.Get(nlower)
		if uerr != nil {
			continue
		}

		if !channel.Users.Exists(nlower) {
			channel.Users.Add(nlower, user)
		}
		if op {
			channel.Ops.Add(nlower, user)
		}
		if voice {
			channel.Voiced.Add(nlower, user)
		}
	}
}

// handlePeerEndOfNames acknowledges the 366 sentinel closing out a
// peer's NAMES burst. There is no further state to merge; the handler
// exists so the router doesn't treat the numeric as unrecognized.
func handlePeerEndOfNames(ctx *MessageContext) {
	ctx.Handled()
}

// handlePeerWho merges a 352 (RPL_WHOREPLY) arriving over a peer link
// into the Nicks table and the Network view, introducing the remote
// client if this node hasn't seen it yet (§4.4).
func handlePeerWho(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg
	ctx.Handled()

	if !conn.isPeer || !enoughParams(msg, 6) {
		return
	}

	cname, username, hostname, servername, nick := msg.Params[1], msg.Params[2], msg.Params[3], msg.Params[4], msg.Params[5]
	lower := strings.ToLower(nick)

	realname := msg.Trailing
	if idx := strings.IndexByte(realname, ' '); idx >= 0 {
		realname = realname[idx+1:]
	}

	user, err := conn.server.Nicks.Get(lower)
	if err != nil {
		user = NewUser(nick, username, realname, hostname, servername)
		conn.server.Nicks.Add(lower, user)
		conn.server.Network.SetClientHops(nick, 1)
	}

	if cname != "*" && cname != "" {
		clower := strings.ToLower(cname)
		channel, cerr := conn.server.Channels.Get(clower)
		if cerr != nil {
			channel = NewChannel(cname, nil)
			conn.server.Channels.Add(clower, channel)
		}
		if !channel.Users.Exists(lower) {
			channel.Users.Add(lower, user)
		}
	}
}

// handlePeerServer merges a 370 (RPL_SERVER) arriving over a peer link
// into the Network view, converging this node's picture of the mesh
// beyond the link's immediate neighbor (§4.4). A server already known
// to this node is left untouched rather than re-flooded, since
// re-propagating it would loop.
func handlePeerServer(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg
	ctx.Handled()

	if !conn.isPeer || !enoughParams(msg, 3) {
		return
	}

	name := msg.Params[1]
	hops, err := strconv.Atoi(msg.Params[2])
	if err != nil || hops > MaxServerHops {
		return
	}

	if strings.EqualFold(name, conn.server.Node.Name()) || conn.server.Network.KnowsServer(name) {
		return
	}

	conn.server.Network.SetServerHops(name, hops)

	relay := conn.newMessage()
	relay.Code = ReplyServer
	relay.Params = []string{conn.user.Nick(), name, strconv.Itoa(hops + 1)}
	propagateToPeers(conn.server, conn, relay)
	msgPool.Recycle(relay)
}

// handlePeerChannelModeIs merges a 324 (RPL_CHANNELMODEIS) arriving
// over a peer link into a channel's mode word, creating a skeleton
// channel if needed (§4.2 merged with §4.4).
func handlePeerChannelModeIs(ctx *MessageContext) {
	conn, msg := ctx.Conn, ctx.Msg
	ctx.Handled()

	if !conn.isPeer || !enoughParams(msg, 3) {
		return
	}

	cname, modestr := msg.Params[1], msg.Params[2]
	lower := strings.ToLower(cname)

	channel, err := conn.server.Channels.Get(lower)
	if err != nil {
		channel = NewChannel(cname, nil)
		conn.server.Channels.Add(lower, channel)
	}

	set := true
	for _, r := range modestr {
		switch r {
		case '+':
			set = true
		case '-':
			set = false
		default:
			flag, ok := cmodeLetters[r]
			if !ok {
				continue
			}
			if set {
				channel.AddMode(flag)
			} else {
				channel.DelMode(flag)
			}
		}
	}
}

// squitServer tears down a peer link by name (§4.4): it drops the
// link from this node's child set, removes the server and every
// client known to have arrived through it from the Network view, and
// purges those nicks from the live Nicks table since they are no
// longer reachable through any path this node knows about.
func squitServer(server *Server, name, reason string) {
	server.Node.RemoveChild(name)
	server.Network.RemoveServer(name)

	nicks := collectSubtreeNicks(server, name)
	server.Network.RemoveClientsBehind(nicks)

	for _, nick := range nicks {
		server.Nicks.Del(nick)
	}

	log.Infof("irc: Server link [%s] severed: %s", name, reason)
}

// collectSubtreeNicks sweeps the Nicks table for every user whose
// home server matches name, lowercased for map lookups. The Network
// view only stores hop counts, not the edge a client arrived on, so
// the user records themselves are the only record of which remote
// clients belonged to the severed subtree.
func collectSubtreeNicks(server *Server, name string) []string {
	var nicks []string

	server.Nicks.ForEach(func(user *User) {
		if strings.EqualFold(user.Server(), name) {
			nicks = append(nicks, strings.ToLower(user.Nick()))
		}
	})

	return nicks
}

// handleSquitFromDrop runs the same cleanup as an explicit SQUIT when
// a peer connection drops without warning (link failure, timeout, or
// an unexpected close on the wire).
func handleSquitFromDrop(conn *Conn, reason string) {
	if conn.peerName == "" {
		return
	}

	squitServer(conn.server, conn.peerName, reason)
}
