/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

// Package journal implements the persistence stub described in §3/§6:
// a write-behind log of client and channel mutations, decoupled from
// the hot path of command handling by an append-only channel and a
// single writer goroutine (grounded on the dircd message pool's
// channel-as-queue pattern).
package journal

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Record is the common interface satisfied by every journal entry.
type Record interface {
	// Kind returns a short identifier for the record's concrete type,
	// used for logging and metrics labeling.
	Kind() string
}

// ClientSave records that a Client was created or fully rehydrated
// from its handshake.
type ClientSave struct {
	Nickname   string
	Username   string
	Hostname   string
	Servername string
	Realname   string
	Timestamp  time.Time
}

// Kind implements Record.
func (ClientSave) Kind() string { return "client_save" }

// ClientUpdate records a mutation to an existing Client's mode,
// away-message, or connected state.
type ClientUpdate struct {
	Nickname  string
	Field     string
	Value     string
	Timestamp time.Time
}

// Kind implements Record.
func (ClientUpdate) Kind() string { return "client_update" }

// ChannelSave records that a Channel was created.
type ChannelSave struct {
	Name      string
	Founder   string
	Timestamp time.Time
}

// Kind implements Record.
func (ChannelSave) Kind() string { return "channel_save" }

// ChannelUpdate records a mutation to a Channel's topic, modes, key,
// or limit.
type ChannelUpdate struct {
	Name      string
	Field     string
	Value     string
	Timestamp time.Time
}

// Kind implements Record.
func (ChannelUpdate) Kind() string { return "channel_update" }

// ChannelDelete records that a local channel emptied out and was torn
// down.
type ChannelDelete struct {
	Name      string
	Timestamp time.Time
}

// Kind implements Record.
func (ChannelDelete) Kind() string { return "channel_delete" }

// Sender accepts journal records for eventual persistence. Implementations
// must not block the caller for longer than it takes to enqueue.
type Sender interface {
	Send(Record)
	Close()
}

// ChanSender is an in-memory Sender backed by a buffered channel and a
// single writer goroutine, so callers on the command-handling hot path
// never wait on storage I/O.
type ChanSender struct {
	records chan Record
	done    chan struct{}
	logger  *logrus.Entry
	writer  func(Record)
}

// NewChanSender starts a ChanSender with the given buffer depth. writer
// is invoked once per record from the single background goroutine; pass
// nil to just log each record at debug level (the default stub behavior
// until a real persistence backend is wired in).
func NewChanSender(buffer int, logger *logrus.Entry, writer func(Record)) *ChanSender {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	sender := &ChanSender{
		records: make(chan Record, buffer),
		done:    make(chan struct{}),
		logger:  logger.WithField("component", "journal"),
		writer:  writer,
	}

	go sender.run()
	return sender
}

// Send enqueues a record without blocking on persistence. If the
// buffer is full, the record is dropped and logged, since the journal
// is a best-effort mirror, not the authoritative state (§3: the
// session table owns local Clients; this just mirrors mutations).
func (s *ChanSender) Send(rec Record) {
	select {
	case s.records <- rec:
	default:
		s.logger.Warnf("journal: dropped %s record, buffer full", rec.Kind())
	}
}

// Close drains remaining records and stops the writer goroutine.
func (s *ChanSender) Close() {
	close(s.records)
	<-s.done
}

func (s *ChanSender) run() {
	defer close(s.done)

	for rec := range s.records {
		if s.writer != nil {
			s.writer(rec)
			continue
		}
		s.logger.Debugf("journal: %s %+v", rec.Kind(), rec)
	}
}
