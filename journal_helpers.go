/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dircd

import (
	"time"

	"github.com/btnmasher/dircd/journal"
)

func clientSaveRecord(user *User) journal.ClientSave {
	return journal.ClientSave{
		Nickname:   user.Nick(),
		Username:   user.Name(),
		Hostname:   user.RealHostmask(),
		Servername: user.Server(),
		Realname:   user.Realname(),
		Timestamp:  time.Now(),
	}
}

func clientUpdateRecord(user *User, field, value string) journal.ClientUpdate {
	return journal.ClientUpdate{
		Nickname:  user.Nick(),
		Field:     field,
		Value:     value,
		Timestamp: time.Now(),
	}
}

func channelSaveRecord(channel *Channel, founder string) journal.ChannelSave {
	return journal.ChannelSave{
		Name:      channel.Name(),
		Founder:   founder,
		Timestamp: time.Now(),
	}
}

func channelUpdateRecord(channel *Channel, field, value string) journal.ChannelUpdate {
	return journal.ChannelUpdate{
		Name:      channel.Name(),
		Field:     field,
		Value:     value,
		Timestamp: time.Now(),
	}
}

func channelDeleteRecord(name string) journal.ChannelDelete {
	return journal.ChannelDelete{Name: name, Timestamp: time.Now()}
}
