/*
   Copyright (c) 2020, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dircd

import (
	"strings"
	"sync"
)

// Network is the per-node mirror of the rest of the mesh (§3): hop
// counts for remote servers and remote clients, used as a loop-free
// distance vector to drop duplicate propagation and to answer WHOIS/
// WHO for users that are not locally connected.
type Network struct {
	sync.RWMutex

	servers map[string]int // server name (lowercased) -> hop count
	clients map[string]int // nickname (lowercased) -> hop count
}

// NewNetwork initializes an empty Network view.
func NewNetwork() *Network {
	return &Network{
		servers: make(map[string]int),
		clients: make(map[string]int),
	}
}

// ServerHops returns the recorded hop count for a server name and
// whether it is known at all.
func (net *Network) ServerHops(name string) (int, bool) {
	net.RLock()
	defer net.RUnlock()
	hops, exists := net.servers[strings.ToLower(name)]
	return hops, exists
}

// SetServerHops records or updates a server's hop count.
func (net *Network) SetServerHops(name string, hops int) {
	net.Lock()
	defer net.Unlock()
	net.servers[strings.ToLower(name)] = hops
}

// RemoveServer drops a server from the view, used on SQUIT.
func (net *Network) RemoveServer(name string) {
	net.Lock()
	defer net.Unlock()
	delete(net.servers, strings.ToLower(name))
}

// ClientHops returns the recorded hop count for a remote nickname and
// whether it is known at all.
func (net *Network) ClientHops(nick string) (int, bool) {
	net.RLock()
	defer net.RUnlock()
	hops, exists := net.clients[strings.ToLower(nick)]
	return hops, exists
}

// SetClientHops records or updates a remote client's hop count.
func (net *Network) SetClientHops(nick string, hops int) {
	net.Lock()
	defer net.Unlock()
	net.clients[strings.ToLower(nick)] = hops
}

// RemoveClient drops a remote client from the view, used on QUIT or
// nick collision resolution.
func (net *Network) RemoveClient(nick string) {
	net.Lock()
	defer net.Unlock()
	delete(net.clients, strings.ToLower(nick))
}

// RemoveClientsBehind purges the given remote clients, used when
// SQUIT prunes a subtree. Since the view stores hop counts and
// not the topology edge a client arrived on, callers pass the exact
// set of nicknames known to belong to the removed subtree.
func (net *Network) RemoveClientsBehind(nicks []string) {
	net.Lock()
	defer net.Unlock()
	for _, nick := range nicks {
		delete(net.clients, strings.ToLower(nick))
	}
}

// KnowsClient reports whether the nickname is tracked as a remote
// client in this view.
func (net *Network) KnowsClient(nick string) bool {
	net.RLock()
	defer net.RUnlock()
	_, exists := net.clients[strings.ToLower(nick)]
	return exists
}

// KnowsServer reports whether the server name is tracked in this view.
func (net *Network) KnowsServer(name string) bool {
	net.RLock()
	defer net.RUnlock()
	_, exists := net.servers[strings.ToLower(name)]
	return exists
}

// Servers returns a snapshot of every server name and hop count
// currently tracked in this view, used to answer a new peer link's
// burst with the rest of the mesh this node already knows about
// (§4.4).
func (net *Network) Servers() map[string]int {
	net.RLock()
	defer net.RUnlock()

	out := make(map[string]int, len(net.servers))
	for name, hops := range net.servers {
		out[name] = hops
	}
	return out
}
