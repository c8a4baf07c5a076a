/*
   Copyright (c) 2020, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dircd

// Channel mode bitmasks (§4.2). The letters in parens match the table
// in the spec and the MODE command's argument parsing.
const (
	CModePrivate uint64 = 1 << iota // p - hidden from LIST
	CModeSecret                     // s - hidden from LIST and WHOIS
	CModeInviteOnly                 // i - JOIN requires prior INVITE
	CModeTopicLock                  // t - TOPIC requires operator
	CModeNoExternal                 // n - PRIVMSG requires membership
	CModeModerated                  // m - PRIVMSG requires voice or higher
	CModeKeyed                      // k - JOIN requires the channel key
	CModeLimit                      // l - JOIN rejected once users == limit
	CModeBanned                     // b - per-nick ban list entries (not a channel-wide flag, tracked separately)
	CModeOperator                   // o - per-user operator flag, applied via Ops map, not the channel's own mode word
	CModeVoiced                     // v - per-user voice flag, applied via Voiced map, not the channel's own mode word
)

// cmodeLetters maps a MODE command letter to its bitmask for the
// channel-wide (non-per-user) flags.
var cmodeLetters = map[rune]uint64{
	'p': CModePrivate,
	's': CModeSecret,
	'i': CModeInviteOnly,
	't': CModeTopicLock,
	'n': CModeNoExternal,
	'm': CModeModerated,
	'k': CModeKeyed,
	'l': CModeLimit,
}

// cmodeTakesArg reports whether setting (or unsetting) the given
// channel-wide mode letter requires a parameter.
func cmodeTakesArg(set bool, letter rune) bool {
	switch letter {
	case 'k', 'b', 'o', 'v':
		return true
	case 'l':
		return set
	default:
		return false
	}
}

// ModeString renders the channel's active non-per-user flags as a
// MODE-style string, e.g. "+nt".
func (channel *Channel) ModeString() string {
	channel.RLock()
	defer channel.RUnlock()

	out := "+"
	for _, letter := range "pisntmkl" {
		if channel.modes&cmodeLetters[letter] != 0 {
			out += string(letter)
		}
	}

	return out
}

// HasMode checks if a given channel mode bit is currently set in a
// concurrency-safe manner.
func (channel *Channel) HasMode(cmode uint64) bool {
	channel.RLock()
	defer channel.RUnlock()
	return channel.modes&cmode == cmode
}

// AddMode sets the given channel mode bit in a concurrency-safe manner.
func (channel *Channel) AddMode(cmode uint64) {
	channel.Lock()
	defer channel.Unlock()
	channel.modes |= cmode
}

// DelMode unsets the given channel mode bit in a concurrency-safe manner.
func (channel *Channel) DelMode(cmode uint64) {
	channel.Lock()
	defer channel.Unlock()
	channel.modes &^= cmode
}
