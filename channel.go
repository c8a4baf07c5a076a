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
	"bytes"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Channel represents an IRC channel (§3).
type Channel struct {
	sync.RWMutex

	name  string
	topic string

	modes uint64
	key   string // Channel key/password (CModeKeyed), stored as a bcrypt hash when non-empty.
	limit int    // Numeric user limit when CModeLimit is set; 0 means unbounded.

	// Active membership. Users is the full roster; Ops/Voiced are
	// subsets per the channel/operators, channel/moderators invariant.
	Users  *UserMap
	Ops    *UserMap
	Voiced *UserMap

	// Persisted per-nick lists, independent of membership.
	Banned  map[string]bool
	Invited map[string]bool
}

// NewChannel initializes a Channel with the given name and founding operator.
// Per §3, the first joiner becomes the channel's sole operator.
func NewChannel(cname string, founder *User) *Channel {
	channel := &Channel{
		name:    cname,
		Users:   NewUserMap(),
		Ops:     NewUserMap(),
		Voiced:  NewUserMap(),
		Banned:  make(map[string]bool),
		Invited: make(map[string]bool),
	}

	if founder != nil {
		channel.Users.Add(strings.ToLower(founder.Nick()), founder)
		channel.Ops.Add(strings.ToLower(founder.Nick()), founder)
	}

	return channel
}

// Local reports whether the channel is server-local (`&` prefix) as
// opposed to network-wide (`#` prefix, §3).
func (channel *Channel) Local() bool {
	channel.RLock()
	defer channel.RUnlock()
	return strings.HasPrefix(channel.name, "&")
}

// Name returns the name of the channel in a currency safe manner.
func (channel *Channel) Name() string {
	channel.RLock()
	defer channel.RUnlock()

	return channel.name
}

// Topic returns the topic of the channel in a currency safe manner.
func (channel *Channel) Topic() string {
	channel.RLock()
	defer channel.RUnlock()

	return channel.topic
}

// SetTopic sets the topic of the channel in a currency safe manner.
func (channel *Channel) SetTopic(new string) {
	channel.Lock()
	defer channel.Unlock()

	channel.topic = new
}

// Limit returns the configured user limit, or 0 if unset.
func (channel *Channel) Limit() int {
	channel.RLock()
	defer channel.RUnlock()
	return channel.limit
}

// SetLimit sets the channel's numeric user limit and toggles CModeLimit
// accordingly. A limit of 0 clears the mode.
func (channel *Channel) SetLimit(n int) {
	channel.Lock()
	defer channel.Unlock()

	channel.limit = n
	if n > 0 {
		channel.modes |= CModeLimit
	} else {
		channel.modes &^= CModeLimit
	}
}

// SetKey hashes and stores a channel key, toggling CModeKeyed. An
// empty key clears the mode.
func (channel *Channel) SetKey(key string) error {
	channel.Lock()
	defer channel.Unlock()

	if key == "" {
		channel.key = ""
		channel.modes &^= CModeKeyed
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	channel.key = string(hash)
	channel.modes |= CModeKeyed
	return nil
}

// CheckKey reports whether the supplied key matches the channel's
// stored key. Returns true if no key is set.
func (channel *Channel) CheckKey(key string) bool {
	channel.RLock()
	defer channel.RUnlock()

	if channel.key == "" {
		return true
	}

	return bcrypt.CompareHashAndPassword([]byte(channel.key), []byte(key)) == nil
}

// Send takes a message, then iterates the list of Users joined
// to the channel, and sends the message to each of the User's
// underlying connection, skipping the excluded nick if given.
func (channel *Channel) Send(msg *Message, exclude string) {
	buf := msg.RenderBuffer()
	excludeLower := strings.ToLower(exclude)

	channel.Users.ForEach(func(user *User) {
		if strings.ToLower(user.Nick()) != excludeLower && user.conn != nil {
			user.conn.Write(buf)
		}
	})
}

// CanSend reports whether the given user may PRIVMSG this channel,
// applying NoExternalMessages and Moderated (§4.2).
func (channel *Channel) CanSend(user *User) error {
	nick := strings.ToLower(user.Nick())
	isMember := channel.Users.Exists(nick)

	if channel.HasMode(CModeNoExternal) && !isMember {
		return ErrCannotSendToChannel
	}

	if channel.HasMode(CModeModerated) {
		if !channel.Ops.Exists(nick) && !channel.Voiced.Exists(nick) {
			return ErrCannotSendToChannel
		}
	}

	return nil
}

// CheckJoin validates whether a user may join, without mutating state
// (§4.2: InviteOnly, Keyed, Limit gates).
func (channel *Channel) CheckJoin(user *User, key string) error {
	nick := strings.ToLower(user.Nick())

	if channel.Banned[nick] {
		return ErrBannedFromChannel
	}

	if channel.HasMode(CModeInviteOnly) && !channel.Invited[nick] {
		return ErrInviteOnlyChannel
	}

	if !channel.CheckKey(key) {
		return ErrBadChannelKey
	}

	channel.RLock()
	limit := channel.limit
	full := channel.modes&CModeLimit != 0 && limit > 0 && channel.Users.Length() >= limit
	channel.RUnlock()

	if full {
		return ErrChannelIsFull
	}

	return nil
}

// Join adds the user to the channel and alerts all channel
// members of the event. Callers must validate with CheckJoin first.
func (channel *Channel) Join(user *User, msg *Message) {
	nick := strings.ToLower(user.Nick())

	channel.Users.Add(nick, user)
	delete(channel.Invited, nick)
	channel.Send(msg, "")
}

// Part removes the user from the channel and alerts all channel
// members of the event.
func (channel *Channel) Part(user *User, msg *Message) {
	nick := strings.ToLower(user.Nick())

	channel.Send(msg, "")
	channel.Users.Del(nick)
	channel.Ops.Del(nick)
	channel.Voiced.Del(nick)
}

// Ban adds the nick to the banned list. Per §4.2, setting +b on a
// present member also kicks them from the channel; callers that know
// the member is present are expected to follow this with a Part using
// a KICK-shaped message, since Ban itself only owns the ban list.
func (channel *Channel) Ban(nick string) {
	channel.Lock()
	channel.Banned[strings.ToLower(nick)] = true
	channel.Unlock()
}

// Unban removes the nick from the banned list.
func (channel *Channel) Unban(nick string) {
	channel.Lock()
	delete(channel.Banned, strings.ToLower(nick))
	channel.Unlock()
}

// Invite pre-admits a nick past the InviteOnly gate.
func (channel *Channel) Invite(nick string) {
	channel.Lock()
	channel.Invited[strings.ToLower(nick)] = true
	channel.Unlock()
}

// IsOperator reports whether the nick holds channel-operator status.
func (channel *Channel) IsOperator(nick string) bool {
	return channel.Ops.Exists(strings.ToLower(nick))
}

// IsVoiced reports whether the nick holds speaking privilege from
// Moderated mode.
func (channel *Channel) IsVoiced(nick string) bool {
	return channel.Voiced.Exists(strings.ToLower(nick))
}

// GrantOperator adds the nick to the operator set. The nick must
// already be a member.
func (channel *Channel) GrantOperator(nick string) error {
	nick = strings.ToLower(nick)
	user, err := channel.Users.Get(nick)
	if err != nil {
		return ErrNotOnChannel
	}

	if channel.Ops.Exists(nick) {
		return nil
	}

	return channel.Ops.Add(nick, user)
}

// RevokeOperator removes the nick from the operator set, refusing to
// strip the last remaining operator (§3 invariant: channel.operators
// is non-empty for any existing channel).
func (channel *Channel) RevokeOperator(nick string) error {
	nick = strings.ToLower(nick)

	if !channel.Ops.Exists(nick) {
		return nil
	}

	if channel.Ops.Length() <= 1 {
		return ErrCannotRemoveLastOp
	}

	return channel.Ops.Del(nick)
}

// GrantVoice adds the nick to the voiced set.
func (channel *Channel) GrantVoice(nick string) error {
	nick = strings.ToLower(nick)
	user, err := channel.Users.Get(nick)
	if err != nil {
		return ErrNotOnChannel
	}

	if channel.Voiced.Exists(nick) {
		return nil
	}

	return channel.Voiced.Add(nick, user)
}

// RevokeVoice removes the nick from the voiced set.
func (channel *Channel) RevokeVoice(nick string) error {
	nick = strings.ToLower(nick)
	if !channel.Voiced.Exists(nick) {
		return nil
	}
	return channel.Voiced.Del(nick)
}

// Empty reports whether the channel currently has no members. Per §3,
// local (`&`) channels are destroyed when this becomes true; callers
// leave an empty network (`#`) channel in place and do not consult
// the network view.
func (channel *Channel) Empty() bool {
	return channel.Users.Length() == 0
}

// GetNicks returns the current nicknames in the channel, prefixed
// with their highest-ranking role glyph (@ operator, + voiced).
func (channel *Channel) GetNicks() []string {
	var buffer bytes.Buffer
	nicks := make([]string, 0, channel.Users.Length())

	channel.Users.ForEach(func(user *User) {
		nick := user.Nick()
		lower := strings.ToLower(nick)

		switch {
		case channel.Ops.Exists(lower):
			buffer.WriteRune('@')
		case channel.Voiced.Exists(lower):
			buffer.WriteRune('+')
		}

		buffer.WriteString(nick)

		nicks = append(nicks, buffer.String())
		buffer.Reset()
	})

	return nicks
}
