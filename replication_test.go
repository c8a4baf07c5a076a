/*
   Copyright (c) 2020, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dircd

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReplicationTestServer(t *testing.T) *Server {
	t.Helper()

	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	server := &Server{
		Nicks:   NewUserMap(),
		Node:    NewServerNode("hub.localhost.net", "", ""),
		Network: NewNetwork(),
	}
	return server
}

func TestCollectSubtreeNicks(t *testing.T) {
	server := newReplicationTestServer(t)

	local := NewUser("alice", "alice", "Alice", "host1", "hub.localhost.net")
	remote1 := NewUser("bob", "bob", "Bob", "host2", "leaf.localhost.net")
	remote2 := NewUser("Carol", "carol", "Carol", "host3", "leaf.localhost.net")

	require.NoError(t, server.Nicks.Add("alice", local))
	require.NoError(t, server.Nicks.Add("bob", remote1))
	require.NoError(t, server.Nicks.Add("carol", remote2))

	nicks := collectSubtreeNicks(server, "leaf.localhost.net")

	assert.ElementsMatch(t, []string{"bob", "carol"}, nicks)
}

func TestCollectSubtreeNicksIsCaseInsensitiveOnServerName(t *testing.T) {
	server := newReplicationTestServer(t)
	remote := NewUser("dave", "dave", "Dave", "host4", "Leaf.Localhost.Net")
	require.NoError(t, server.Nicks.Add("dave", remote))

	nicks := collectSubtreeNicks(server, "leaf.localhost.net")

	assert.Equal(t, []string{"dave"}, nicks)
}

func TestSquitServerPurgesSubtreeNicks(t *testing.T) {
	server := newReplicationTestServer(t)

	remote := NewUser("eve", "eve", "Eve", "host5", "leaf.localhost.net")
	require.NoError(t, server.Nicks.Add("eve", remote))
	server.Network.SetServerHops("leaf.localhost.net", 1)
	server.Node.AddChild(&ServerLink{Name: "leaf.localhost.net"})

	squitServer(server, "leaf.localhost.net", "test teardown")

	assert.False(t, server.Nicks.Exists("eve"))
	assert.False(t, server.Network.KnowsServer("leaf.localhost.net"))

	_, hasChild := server.Node.Child("leaf.localhost.net")
	assert.False(t, hasChild)
}

func TestSquitServerLeavesUnrelatedNicksIntact(t *testing.T) {
	server := newReplicationTestServer(t)

	local := NewUser("frank", "frank", "Frank", "host6", "hub.localhost.net")
	remote := NewUser("grace", "grace", "Grace", "host7", "leaf.localhost.net")
	require.NoError(t, server.Nicks.Add("frank", local))
	require.NoError(t, server.Nicks.Add("grace", remote))

	squitServer(server, "leaf.localhost.net", "test teardown")

	assert.True(t, server.Nicks.Exists("frank"))
	assert.False(t, server.Nicks.Exists("grace"))
}

func TestHandleSquitFromDropIgnoresNonPeerConn(t *testing.T) {
	server := newReplicationTestServer(t)
	conn := &Conn{server: server}

	// peerName is empty for a non-peer connection; nothing should happen.
	handleSquitFromDrop(conn, "connection reset")

	assert.Equal(t, 0, server.Nicks.Length())
}

func TestHandleSquitFromDropTearsDownPeerSubtree(t *testing.T) {
	server := newReplicationTestServer(t)
	remote := NewUser("heidi", "heidi", "Heidi", "host8", "leaf.localhost.net")
	require.NoError(t, server.Nicks.Add("heidi", remote))

	conn := &Conn{server: server, peerName: "leaf.localhost.net"}
	handleSquitFromDrop(conn, "link timeout")

	assert.False(t, server.Nicks.Exists("heidi"))
}

func newFederationTestServer(t *testing.T) *Server {
	t.Helper()

	server := newReplicationTestServer(t)
	server.Channels = NewChanMap()
	server.Peers = NewConnMap()
	return server
}

func TestNickFromSourceExtractsNick(t *testing.T) {
	assert.Equal(t, "alice", nickFromSource("alice!alice@host1"))
	assert.Equal(t, "alice", nickFromSource("alice"))
}

func TestMemberPrefixStripsFlags(t *testing.T) {
	nick, op, voice := memberPrefix("@alice")
	assert.Equal(t, "alice", nick)
	assert.True(t, op)
	assert.False(t, voice)

	nick, op, voice = memberPrefix("+bob")
	assert.Equal(t, "bob", nick)
	assert.False(t, op)
	assert.True(t, voice)

	nick, op, voice = memberPrefix("carol")
	assert.Equal(t, "carol", nick)
	assert.False(t, op)
	assert.False(t, voice)
}

func TestHandlePeerQuitRemovesRemoteNickFromChannelsAndNetwork(t *testing.T) {
	server := newFederationTestServer(t)

	remote := NewUser("bob", "bob", "Bob", "host2", "leaf.localhost.net")
	require.NoError(t, server.Nicks.Add("bob", remote))
	server.Network.SetClientHops("bob", 1)

	channel := NewChannel("#general", nil)
	channel.Users.Add("bob", remote)
	require.NoError(t, server.Channels.Add("#general", channel))

	conn := &Conn{server: server, isPeer: true, peerName: "leaf.localhost.net"}
	msg := &Message{Source: "bob!bob@host2", Command: CmdQuit, Trailing: "done for the day"}

	handlePeerQuit(conn, msg)

	assert.False(t, server.Nicks.Exists("bob"))
	assert.False(t, channel.Users.Exists("bob"))
	assert.False(t, server.Network.KnowsClient("bob"))
}

func TestHandlePeerQuitIgnoresLocallyConnectedNick(t *testing.T) {
	server := newFederationTestServer(t)

	local := NewUser("alice", "alice", "Alice", "host1", "hub.localhost.net")
	local.conn = &Conn{}
	require.NoError(t, server.Nicks.Add("alice", local))

	conn := &Conn{server: server, isPeer: true, peerName: "leaf.localhost.net"}
	msg := &Message{Source: "alice!alice@host1", Command: CmdQuit, Trailing: "bye"}

	handlePeerQuit(conn, msg)

	assert.True(t, server.Nicks.Exists("alice"))
}

func TestHandlePeerNickIntroducesRemoteClient(t *testing.T) {
	server := newFederationTestServer(t)
	conn := &Conn{server: server, isPeer: true, peerName: "leaf.localhost.net"}

	msg := &Message{
		Command:  CmdNick,
		Params:   []string{"carol", "1", "carol", "host3", "leaf.localhost.net"},
		Trailing: "Carol",
	}

	handlePeerNick(conn, msg)

	require.True(t, server.Nicks.Exists("carol"))
	user, err := server.Nicks.Get("carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", user.Nick())

	hops, known := server.Network.ClientHops("carol")
	assert.True(t, known)
	assert.Equal(t, 1, hops)
}

func TestHandlePeerNickRenamesKnownRemoteClient(t *testing.T) {
	server := newFederationTestServer(t)

	remote := NewUser("carol", "carol", "Carol", "host3", "leaf.localhost.net")
	require.NoError(t, server.Nicks.Add("carol", remote))
	server.Network.SetClientHops("carol", 1)

	conn := &Conn{server: server, isPeer: true, peerName: "leaf.localhost.net"}
	msg := &Message{Source: "carol!carol@host3", Command: CmdNick, Trailing: "carolyn"}

	handlePeerNick(conn, msg)

	assert.False(t, server.Nicks.Exists("carol"))
	require.True(t, server.Nicks.Exists("carolyn"))

	hops, known := server.Network.ClientHops("carolyn")
	assert.True(t, known)
	assert.Equal(t, 1, hops)
	assert.False(t, server.Network.KnowsClient("carol"))
}

func TestHandlePeerNamesCreatesSkeletonChannelAndMergesKnownMembers(t *testing.T) {
	server := newFederationTestServer(t)

	dave := NewUser("dave", "dave", "Dave", "host4", "leaf.localhost.net")
	require.NoError(t, server.Nicks.Add("dave", dave))

	conn := &Conn{server: server, isPeer: true}
	msg := &Message{
		Command:  "353",
		Params:   []string{"", "=", "#general"},
		Trailing: "@dave +erin frank",
	}
	ctx := &MessageContext{Conn: conn, Msg: msg}

	handlePeerNames(ctx)

	channel, err := server.Channels.Get("#general")
	require.NoError(t, err)
	assert.True(t, channel.Users.Exists("dave"))
	assert.True(t, channel.Ops.Exists("dave"))

	// erin and frank have no Nicks record yet, so they are left out
	// until their own NICK introduction arrives.
	assert.False(t, channel.Users.Exists("erin"))
	assert.False(t, channel.Users.Exists("frank"))
}

func TestHandlePeerNamesIgnoresNonPeerConn(t *testing.T) {
	server := newFederationTestServer(t)
	conn := &Conn{server: server, isPeer: false}
	msg := &Message{Params: []string{"", "=", "#general"}, Trailing: "dave"}
	ctx := &MessageContext{Conn: conn, Msg: msg}

	handlePeerNames(ctx)

	assert.False(t, server.Channels.Exists("#general"))
}

func TestHandlePeerWhoIntroducesUnknownRemoteClient(t *testing.T) {
	server := newFederationTestServer(t)
	conn := &Conn{server: server, isPeer: true}

	msg := &Message{
		Command:  "352",
		Params:   []string{"", "#general", "erin", "host5", "leaf.localhost.net", "erin", "H"},
		Trailing: "1 Erin",
	}
	ctx := &MessageContext{Conn: conn, Msg: msg}

	handlePeerWho(ctx)

	require.True(t, server.Nicks.Exists("erin"))
	user, err := server.Nicks.Get("erin")
	require.NoError(t, err)
	assert.Equal(t, "Erin", user.Realname())

	channel, err := server.Channels.Get("#general")
	require.NoError(t, err)
	assert.True(t, channel.Users.Exists("erin"))
}

func TestHandlePeerServerMergesUnknownServerAndSkipsKnown(t *testing.T) {
	server := newFederationTestServer(t)
	server.Network.SetServerHops("leaf.localhost.net", 1)

	conn := &Conn{server: server, isPeer: true, peerName: "leaf.localhost.net"}
	conn.user = &User{}

	// Already known: left untouched.
	handlePeerServer(&MessageContext{Conn: conn, Msg: &Message{
		Command: "370", Params: []string{"", "leaf.localhost.net", "1"},
	}})
	hops, _ := server.Network.ServerHops("leaf.localhost.net")
	assert.Equal(t, 1, hops)

	// Unknown: merged in.
	handlePeerServer(&MessageContext{Conn: conn, Msg: &Message{
		Command: "370", Params: []string{"", "branch.localhost.net", "2"},
	}})
	hops, known := server.Network.ServerHops("branch.localhost.net")
	assert.True(t, known)
	assert.Equal(t, 2, hops)
}

func TestHandlePeerChannelModeIsMergesModesIntoSkeletonChannel(t *testing.T) {
	server := newFederationTestServer(t)
	conn := &Conn{server: server, isPeer: true}

	msg := &Message{Command: "324", Params: []string{"", "#general", "+nt"}}
	ctx := &MessageContext{Conn: conn, Msg: msg}

	handlePeerChannelModeIs(ctx)

	channel, err := server.Channels.Get("#general")
	require.NoError(t, err)
	assert.True(t, channel.HasMode(CModeNoExternal))
	assert.True(t, channel.HasMode(CModeTopicLock))
}
