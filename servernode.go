/*
   Copyright (c) 2020, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dircd

import (
	"net"
	"strings"
	"sync"
)

// ServerNode represents a peer in the server mesh (§3, §4.4).
type ServerNode struct {
	sync.RWMutex

	name string
	ip   string
	port string

	father   *ServerLink          // Upstream peer, nil for the root of our view.
	children map[string]*ServerLink // Downstream peers, keyed by lowercased name.

	operators map[string]bool // Server-wide operator nicknames.
}

// ServerLink pairs a peer name with the socket used to reach it.
type ServerLink struct {
	Name string
	Conn *Conn
}

// NewServerNode initializes a ServerNode for this process's own identity.
func NewServerNode(name, ip, port string) *ServerNode {
	return &ServerNode{
		name:      name,
		ip:        ip,
		port:      port,
		children:  make(map[string]*ServerLink),
		operators: make(map[string]bool),
	}
}

// Name returns the server's name in a concurrency-safe manner.
func (node *ServerNode) Name() string {
	node.RLock()
	defer node.RUnlock()
	return node.name
}

// Address returns the ip:port the node listens or was reached on.
func (node *ServerNode) Address() string {
	node.RLock()
	defer node.RUnlock()
	return net.JoinHostPort(node.ip, node.port)
}

// Father returns the upstream link, or nil if this node is the root
// of the local view.
func (node *ServerNode) Father() *ServerLink {
	node.RLock()
	defer node.RUnlock()
	return node.father
}

// SetFather sets the upstream link.
func (node *ServerNode) SetFather(link *ServerLink) {
	node.Lock()
	defer node.Unlock()
	node.father = link
}

// AddChild registers a downstream peer link.
func (node *ServerNode) AddChild(link *ServerLink) {
	node.Lock()
	defer node.Unlock()
	node.children[strings.ToLower(link.Name)] = link
}

// RemoveChild drops a downstream peer link, returning false if it
// was not present.
func (node *ServerNode) RemoveChild(name string) bool {
	node.Lock()
	defer node.Unlock()

	key := strings.ToLower(name)
	if _, exists := node.children[key]; !exists {
		return false
	}

	delete(node.children, key)
	return true
}

// Child returns the downstream link for name, if any.
func (node *ServerNode) Child(name string) (*ServerLink, bool) {
	node.RLock()
	defer node.RUnlock()
	link, exists := node.children[strings.ToLower(name)]
	return link, exists
}

// Children returns a snapshot of the current downstream links.
func (node *ServerNode) Children() []*ServerLink {
	node.RLock()
	defer node.RUnlock()

	links := make([]*ServerLink, 0, len(node.children))
	for _, link := range node.children {
		links = append(links, link)
	}
	return links
}

// IsServerOperator reports whether the given nick holds server-wide
// operator status on this node.
func (node *ServerNode) IsServerOperator(nick string) bool {
	node.RLock()
	defer node.RUnlock()
	return node.operators[strings.ToLower(nick)]
}

// AddServerOperator grants server-wide operator status to a nick.
func (node *ServerNode) AddServerOperator(nick string) {
	node.Lock()
	defer node.Unlock()
	node.operators[strings.ToLower(nick)] = true
}

// RemoveServerOperator revokes server-wide operator status from a nick.
func (node *ServerNode) RemoveServerOperator(nick string) {
	node.Lock()
	defer node.Unlock()
	delete(node.operators, strings.ToLower(nick))
}
