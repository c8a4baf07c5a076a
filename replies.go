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
	"fmt"
	"strings"

	"github.com/btnmasher/util"
)

// reply renders and sends a single numeric-coded message to the
// connection, defaulting to "*" for an unregistered nick.
func (conn *Conn) reply(code uint16, params []string, trailing string) {
	msg := conn.newMessage()
	defer msgPool.Recycle(msg)

	msg.Code = code
	msg.Params = params
	msg.Trailing = trailing

	conn.Write(msg.RenderBuffer())
}

func (conn *Conn) nickOrStar() string {
	nick := conn.user.Nick()
	if len(nick) < 1 {
		return "*"
	}
	return nick
}

// ReplyWelcome returns the configured welcome message to
// the user. This is sent when a client first connects
// and registers successfully.
func (conn *Conn) ReplyWelcome() {
	conn.reply(ReplyWelcome, []string{conn.user.Nick()}, conn.server.Welcome())
}

// ReplyYourHost, ReplyCreated, and ReplyMyInfo complete the
// registration burst alongside ReplyWelcome and ReplyISupport.
func (conn *Conn) ReplyYourHost() {
	trailing := fmt.Sprintf("Your host is %s, running dircd", conn.server.Hostname())
	conn.reply(ReplyYourHost, []string{conn.user.Nick()}, trailing)
}

func (conn *Conn) ReplyCreated() {
	conn.reply(ReplyCreated, []string{conn.user.Nick()}, "This server was created some time ago.")
}

func (conn *Conn) ReplyMyInfo() {
	params := []string{conn.user.Nick(), conn.server.Hostname(), "dircd", "io", "bkliimnpst"}
	conn.reply(ReplyMyInfo, params, "")
}

// ReplyInvalidCapCommand returns an error message to the user
// in the event that a CAP command issued by the user is not
// a valid subcommand per the IRCv3 CAP specifications.
func (conn *Conn) ReplyInvalidCapCommand(cmd string) {
	params := []string{conn.nickOrStar()}
	if cmd != "" {
		params = append(params, cmd)
	}
	conn.reply(ReplyInvalidCapCmd, params, ErrInvalidCapCmd.Error())
}

// ReplyNeedMoreParams returns an error message to the user
// in the event that a command issued by the user that does
// not satisfy the minimum number of parameters expected of
// the particualar command.
func (conn *Conn) ReplyNeedMoreParams(cmd string) {
	params := []string{conn.nickOrStar()}
	if cmd != "" {
		params = append(params, cmd)
	}
	conn.reply(ReplyNeedMoreParams, params, ErrMissingParams.Error())
}

// ReplyNoNicknameGiven returns an error message to the user
// in the event that a command issued by the user that does
// not satisfy the requirement of specifying a nickname.
func (conn *Conn) ReplyNoNicknameGiven() {
	conn.reply(ReplyNoNicknameGiven, []string{conn.nickOrStar()}, ErrNoNickGiven.Error())
}

// ReplyNoSuchNick returns an error message to the user
// in the event that a command issued by the user with
// a target nickname cannot find the target or is unable
// to know of the targets existence due to permissions.
func (conn *Conn) ReplyNoSuchNick(nick string) {
	conn.reply(ReplyNoSuchNick, []string{conn.user.Nick(), nick}, ErrNoSuchNick.Error())
}

// ReplyNoSuchChan returns an error message to the user
// in the event that a command issued by the user with
// a target channel cannot find the target or is unable
// to know of the targets existence due to permissions.
func (conn *Conn) ReplyNoSuchChan(channel string) {
	conn.reply(ReplyNoSuchChannel, []string{conn.user.Nick(), channel}, ErrNoSuchChan.Error())
}

// ReplyNoSuchServer reports that a named server is not known to the
// local view of the mesh (§4.4).
func (conn *Conn) ReplyNoSuchServer(name string) {
	conn.reply(ReplyNoSuchServer, []string{conn.user.Nick(), name}, ErrNoSuchServer.Error())
}

// ReplyNotImplemented returns an error message to the user
// in the event the given command is not apart of the handlers
// registered on the router.
func (conn *Conn) ReplyNotImplemented(cmd string) {
	log.Infof("irc: Command not implemented encountered for: %s", cmd)
	conn.reply(ReplyUnknownCommand, []string{conn.user.Nick(), cmd}, ErrNotImplemented.Error())
}

// ReplyNotRegistered returns an error message to the user
// in the event a command requiring registration arrives before
// the handshake (§4.3) has completed.
func (conn *Conn) ReplyNotRegistered() {
	conn.reply(ReplyNotRegistered, []string{conn.nickOrStar()}, ErrNotRegistered.Error())
}

// ReplyAlreadyRegistered reports that USER was sent twice on the
// same connection (§4.3).
func (conn *Conn) ReplyAlreadyRegistered() {
	conn.reply(ReplyAlreadyRegistered, []string{conn.nickOrStar()}, ErrUserAreadySet.Error())
}

// ReplyNicknameInUse reports a NICK collision (§4.3).
func (conn *Conn) ReplyNicknameInUse(nick string) {
	conn.reply(ReplyNicknameInUse, []string{conn.nickOrStar(), nick}, ErrNickInUse.Error())
}

// ReplyErroneousNickname reports a syntactically invalid nickname.
func (conn *Conn) ReplyErroneousNickname(nick string) {
	conn.reply(ReplyErroneusNickname, []string{conn.nickOrStar(), nick}, ErrNickRestricted.Error())
}

// ReplyPasswordMismatch reports that a PASS-supplied connection
// password did not match a stored hash (§4.3 nick revival).
func (conn *Conn) ReplyPasswordMismatch() {
	conn.reply(ReplyPasswordMistmatch, []string{conn.nickOrStar()}, ErrOperPasswordMismatch.Error())
}

// ReplyYoureOper confirms a successful OPER (§4.2).
func (conn *Conn) ReplyYoureOper() {
	conn.reply(ReplyYoureOper, []string{conn.user.Nick()}, "You are now a network operator.")
}

// ReplyNoPrivileges reports insufficient permission for a
// server-operator-only command.
func (conn *Conn) ReplyNoPrivileges() {
	conn.reply(ReplyNoPrivileges, []string{conn.user.Nick()}, ErrInsuffPerms.Error())
}

// ReplyChanOpPrivsNeeded reports that the user is not a channel
// operator of the given channel (§4.2).
func (conn *Conn) ReplyChanOpPrivsNeeded(channel string) {
	conn.reply(ReplyChanOpPrivsNeeded, []string{conn.user.Nick(), channel}, ErrChanOpPrivsNeeded.Error())
}

// ReplyNotOnChannel reports that the user isn't joined to a channel
// a command targeted.
func (conn *Conn) ReplyNotOnChannel(channel string) {
	conn.reply(ReplyNotOnChannel, []string{conn.user.Nick(), channel}, ErrNotOnChannel.Error())
}

// ReplyUserNotInChannel reports that a command's target nick isn't a
// member of the named channel (e.g. a KICK target who already left).
func (conn *Conn) ReplyUserNotInChannel(nick, channel string) {
	conn.reply(ReplyUserNotInChannel, []string{conn.user.Nick(), nick, channel}, ErrNotOnChannel.Error())
}

// ReplyUserOnChannel reports that a target user is already a member
// of a channel (e.g. a duplicate INVITE).
func (conn *Conn) ReplyUserOnChannel(nick, channel string) {
	conn.reply(ReplyUserOnChannel, []string{conn.user.Nick(), nick, channel}, ErrUserOnChannel.Error())
}

// ReplyBannedFromChan reports a JOIN rejected by the ban list (+b).
func (conn *Conn) ReplyBannedFromChan(channel string) {
	conn.reply(ReplyBannedFromChan, []string{conn.user.Nick(), channel}, ErrBannedFromChannel.Error())
}

// ReplyInviteOnlyChan reports a JOIN rejected by invite-only (+i).
func (conn *Conn) ReplyInviteOnlyChan(channel string) {
	conn.reply(ReplyInviteOnlyChan, []string{conn.user.Nick(), channel}, ErrInviteOnlyChannel.Error())
}

// ReplyBadChannelKey reports a JOIN rejected by a missing/incorrect
// channel key (+k).
func (conn *Conn) ReplyBadChannelKey(channel string) {
	conn.reply(ReplyBadChannelKey, []string{conn.user.Nick(), channel}, ErrBadChannelKey.Error())
}

// ReplyChannelIsFull reports a JOIN rejected by the user limit (+l).
func (conn *Conn) ReplyChannelIsFull(channel string) {
	conn.reply(ReplyChannelIsFull, []string{conn.user.Nick(), channel}, ErrChannelIsFull.Error())
}

// ReplyCannotSendToChan reports a PRIVMSG/NOTICE rejected by
// NoExternalMessages or Moderated (§4.2).
func (conn *Conn) ReplyCannotSendToChan(channel string) {
	conn.reply(ReplyCannotSendToChan, []string{conn.user.Nick(), channel}, ErrCannotSendToChannel.Error())
}

// ReplyUnknownMode reports an unrecognized MODE letter.
func (conn *Conn) ReplyUnknownMode(letter string) {
	conn.reply(ReplyUnknownMode, []string{conn.user.Nick(), letter}, ErrUnknownMode.Error())
}

// ReplyInviting confirms an INVITE was recorded (§4.2).
func (conn *Conn) ReplyInviting(nick, channel string) {
	conn.reply(ReplyInviting, []string{conn.user.Nick(), nick, channel}, "")
}

// ReplyChannelTopic returns the topic reply to the user for
// the given channel.
func (conn *Conn) ReplyChannelTopic(channel *Channel) {
	topic := channel.Topic()
	if topic == "" {
		conn.reply(ReplyNoTopic, []string{conn.user.Nick(), channel.Name()}, "No topic is set")
		return
	}
	conn.reply(ReplyChanTopic, []string{conn.user.Nick(), channel.Name()}, topic)
}

// ReplyChannelModeIs reports the channel's currently active
// non-per-user mode flags (§4.2).
func (conn *Conn) ReplyChannelModeIs(channel *Channel) {
	conn.reply(ReplyChannelModeIs, []string{conn.user.Nick(), channel.Name(), channel.ModeString()}, "")
}

// ReplyBanList streams the channel's ban list followed by the
// end-of-list sentinel (§4.2).
func (conn *Conn) ReplyBanList(channel *Channel) {
	channel.RLock()
	bans := make([]string, 0, len(channel.Banned))
	for nick := range channel.Banned {
		bans = append(bans, nick)
	}
	channel.RUnlock()

	for _, nick := range bans {
		conn.reply(ReplyBanList, []string{conn.user.Nick(), channel.Name(), nick}, "")
	}
	conn.reply(ReplyEndOfBanList, []string{conn.user.Nick(), channel.Name()}, "End of channel ban list.")
}

// ReplyChannelNames returns the NAMES reply to the user for
// the given channel.
func (conn *Conn) ReplyChannelNames(channel *Channel) {
	nicklist := channel.GetNicks()
	unick := conn.user.Nick()
	cname := channel.Name()
	params := []string{unick, "=", cname}

	temp := conn.newMessage()
	temp.Code = ReplyNames
	temp.Params = params

	joined := util.ChunkJoinStrings(nicklist, MaxMsgLength-len(temp.String()), SPACE)
	msgPool.Recycle(temp)

	for _, line := range joined {
		conn.reply(ReplyNames, params, line)
	}

	conn.reply(ReplyEndOfNames, []string{unick, cname}, "End of NAMES list.")
}

// ReplyListStart, ReplyListEntry, and ReplyEndOfList together form
// the LIST command's response (§4.2).
func (conn *Conn) ReplyListStart() {
	conn.reply(ReplyListStart, []string{conn.user.Nick()}, "Channel :Users Name")
}

func (conn *Conn) ReplyListEntry(channel *Channel) {
	params := []string{conn.user.Nick(), channel.Name(), fmt.Sprint(channel.Users.Length())}
	conn.reply(ReplyList, params, channel.Topic())
}

func (conn *Conn) ReplyEndOfList() {
	conn.reply(ReplyEndOfList, []string{conn.user.Nick()}, "End of LIST")
}

// ReplyWho and ReplyEndOfWho together form the WHO command's
// response (§4.2).
func (conn *Conn) ReplyWho(channel string, user *User) {
	flags := "H"
	if user.AwayMessage() != "" {
		flags = "G"
	}

	params := []string{
		conn.user.Nick(), channel, user.Name(), user.VanityHost(),
		user.Server(), user.Nick(), flags,
	}
	conn.reply(ReplyWho, params, "0 "+user.Realname())
}

func (conn *Conn) ReplyEndOfWho(mask string) {
	conn.reply(ReplyEndOfWho, []string{conn.user.Nick(), mask}, "End of WHO list.")
}

// WHOIS reply sequence (§4.2).
func (conn *Conn) ReplyWhoisUser(user *User) {
	params := []string{conn.user.Nick(), user.Nick(), user.Name(), user.VanityHost(), "*"}
	conn.reply(ReplyWhoisUser, params, user.Realname())
}

func (conn *Conn) ReplyWhoisServer(user *User) {
	conn.reply(ReplyWhoisServer, []string{conn.user.Nick(), user.Nick(), user.Server()}, conn.server.NetworkName())
}

func (conn *Conn) ReplyWhoisOperator(user *User) {
	conn.reply(ReplyWhoisOperator, []string{conn.user.Nick(), user.Nick()}, "is a network operator")
}

func (conn *Conn) ReplyWhoisChannels(user *User, channels []string) {
	if len(channels) == 0 {
		return
	}
	conn.reply(ReplyWhoisChannels, []string{conn.user.Nick(), user.Nick()}, strings.Join(channels, " "))
}

func (conn *Conn) ReplyEndOfWhois(nick string) {
	conn.reply(ReplyEndOfWhois, []string{conn.user.Nick(), nick}, "End of WHOIS list.")
}

// MOTD reply sequence.
func (conn *Conn) ReplyMOTDStart() {
	trailing := fmt.Sprintf("- %s Message of the day -", conn.server.Hostname())
	conn.reply(ReplyMOTDStart, []string{conn.user.Nick()}, trailing)
}

func (conn *Conn) ReplyMOTDLine(line string) {
	conn.reply(ReplyMOTD, []string{conn.user.Nick()}, "- "+line)
}

func (conn *Conn) ReplyEndOfMOTD() {
	conn.reply(ReplyEndOFMOTD, []string{conn.user.Nick()}, "End of MOTD command.")
}

// ReplyUserModeIs reports the caller's own usermode flags.
func (conn *Conn) ReplyUserModeIs(mode string) {
	conn.reply(ReplyUserModeIs, []string{conn.user.Nick()}, mode)
}

// ReplyNowAway and ReplyUnAway confirm an AWAY toggle (§4.2).
func (conn *Conn) ReplyNowAway() {
	conn.reply(ReplyNowAway, []string{conn.user.Nick()}, "You have been marked as being away")
}

func (conn *Conn) ReplyUnAway() {
	conn.reply(ReplyUnAway, []string{conn.user.Nick()}, "You are no longer marked as being away")
}

// ReplyAway relays a target user's away message to the requester.
func (conn *Conn) ReplyAway(user *User) {
	conn.reply(ReplyAway, []string{conn.user.Nick(), user.Nick()}, user.AwayMessage())
}

// ReplyServer announces a linked server during the federation burst
// or in response to LINKS-style queries (§4.4).
func (conn *Conn) ReplyServer(name string, hops int) {
	conn.reply(ReplyServer, []string{conn.user.Nick(), name, fmt.Sprint(hops)}, "")
}

// ReplyISupport returns the ISUPPORT burst to the user.
func (conn *Conn) ReplyISupport() {
	support := conn.server.ISupport()
	params := []string{conn.user.Nick()}

	temp := conn.newMessage()
	temp.Code = ReplyISupport
	temp.Params = params

	joined := util.ChunkJoinStrings(support, MaxMsgLength-len(temp.String()), SPACE)
	msgPool.Recycle(temp)

	for _, line := range joined {
		conn.reply(ReplyISupport, append(append([]string{}, params...), line), "")
	}
}
