/*
 * MailWire - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

// Package receiver keeps one folder under IDLE and retrieves new
// messages: search, envelopes, body structure, planned section fetches,
// then the cache and the outgoing channel.
package receiver

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/fetchplan"
	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/mailerr"
)

const (
	DefaultQuery            = "UNSEEN"
	DefaultFetchBufferSize  = 20
	DefaultFetchMaxInterval = 5 * time.Minute
)

var errReceiverClosed = errors.New("receiver closed")

type quitter interface {
	FlagQuit()
}

func NewReceiver(cfg *Config, factory imap.ClientFactory) (*MailReceiver, error) {
	ourCfg := *cfg
	if ourCfg.Query == "" {
		ourCfg.Query = DefaultQuery
	}

	if ourCfg.FetchBufferSize == 0 {
		ourCfg.FetchBufferSize = DefaultFetchBufferSize
	}

	if ourCfg.FetchMaxInterval == 0 {
		ourCfg.FetchMaxInterval = DefaultFetchMaxInterval
	}

	if ourCfg.BatchThreshold == 0 {
		ourCfg.BatchThreshold = fetchplan.DefaultBatchThreshold
	}

	if ourCfg.ChunkSize == 0 {
		ourCfg.ChunkSize = fetchplan.DefaultChunkSize
	}

	if ourCfg.Mailbox == "" {
		ourCfg.Mailbox = "INBOX"
	}

	logger := ourCfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithFields(log.Fields{
		"component": "receiver",
		"account":   ourCfg.ClientConfig.Account,
		"mailbox":   ourCfg.Mailbox,
	})

	updateChannel := make(chan imap.Update, 10)
	clientCfg := ourCfg.ClientConfig
	clientCfg.Updates = updateChannel
	if clientCfg.Logger == nil {
		clientCfg.Logger = logger
	}

	c, err := factory.NewClient(&clientCfg)
	if err != nil {
		return nil, err
	}

	if mb := c.Mailbox(); mb == nil || mb.Name != ourCfg.Mailbox {
		if _, err := c.Select(ourCfg.Mailbox, false); err != nil {
			_ = c.Logout()
			return nil, err
		}
	}

	mr := &MailReceiver{
		client:          c,
		cfg:             ourCfg,
		log:             logger,
		updates:         updateChannel,
		imapChannel:     make(chan interface{}),
		ackChannel:      make(chan ackRequest, ourCfg.FetchBufferSize),
		deferredChannel: make(chan deferredRequest),
		outChannel:      ourCfg.Channel,

		messages: map[uint32]*messageState{},

		hasQuit:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		wantQuit: make(chan struct{}, 1),
	}

	go mr.run()
	return mr, nil
}

// Ack acknowledges the processing of a message. If error is nil, it is
// assumed that the message has been fully processed and persisted, and
// it is flagged \Seen (and deleted, if configured). Otherwise it is
// forgotten and retrieved again by a later search.
func (mr *MailReceiver) Ack(uid uint32, error error) {
	if error == nil {
		mr.log.WithField("uid", uid).Trace("receiver_ack_called")
	} else {
		mr.log.WithError(error).WithField("uid", uid).Trace("receiver_ack_called")
	}

	if uid == 0 {
		return
	}

	mr.ackChannel <- ackRequest{UID: uid, Error: error}
	mr.log.WithField("uid", uid).Trace("receiver_ack_return")
}

// FetchDeferred downloads the sections of a message that were left for
// later. Attachments go to the blob store, and the cache is updated.
func (mr *MailReceiver) FetchDeferred(uid uint32) ([]Part, error) {
	r := make(chan deferredReply, 1)
	select {
	case mr.deferredChannel <- deferredRequest{UID: uid, r: r}:
	case <-mr.hasQuit:
		mr.hasQuit <- struct{}{}
		return nil, mailerr.New(mailerr.KindIO, "deferred", errReceiverClosed)
	}

	reply := <-r
	return reply.Parts, reply.Err
}

// Recent returns cached envelopes, newest first.
func (mr *MailReceiver) Recent(limit int, offset int) ([]imap.Envelope, error) {
	if mr.cfg.Cache == nil {
		return nil, nil
	}
	return mr.cfg.Cache.Headers(mr.cfg.ClientConfig.Account, mr.cfg.Mailbox, limit, offset)
}

func (mr *MailReceiver) withMessageState(mstate *messageState) *log.Entry {
	return mr.log.WithFields(log.Fields{
		"uid":   mstate.UID,
		"state": mstate.State,
	})
}

func (mr *MailReceiver) known() map[uint32]struct{} {
	known := make(map[uint32]struct{}, len(mr.messages))
	for uid := range mr.messages {
		known[uid] = struct{}{}
	}
	return known
}

// handleFetch records new messages and returns those to publish.
func (mr *MailReceiver) handleFetch(r *fetchResult) []*Message {
	var out []*Message
	for _, msg := range r.Messages {
		if _, ok := mr.messages[msg.UID]; ok {
			continue
		}

		mstate := &messageState{UID: msg.UID, Body: msg.Body, State: StateUnacked}
		mr.messages[msg.UID] = mstate
		mr.withMessageState(mstate).Info("receiver_message_update")
		out = append(out, msg)
	}
	return out
}

func (mr *MailReceiver) handleAckResult(r *ackResult) []uint32 {
	if r.Err != nil {
		mr.log.WithError(r.Err).WithField("uids", r.UIDs).Warn("receiver_ack_failed_rescheduling")
		return r.UIDs
	}

	for _, uid := range r.UIDs {
		msg, ok := mr.messages[uid]
		if !ok {
			continue
		}

		if mr.cfg.DeleteOnAck {
			delete(mr.messages, uid)
			mr.log.WithField("uid", uid).Info("receiver_message_deleted")
			continue
		}

		msg.State = StateDone
		mr.withMessageState(msg).Info("receiver_message_update")
	}
	return nil
}

// handleAck returns true when the message needs a STORE.
func (mr *MailReceiver) handleAck(r *ackRequest) bool {
	msg, ok := mr.messages[r.UID]
	if !ok {
		mr.log.WithField("uid", r.UID).Trace("receiver_ack_unknown")
		return false
	}

	if r.Error != nil {
		mr.log.WithError(r.Error).WithField("uid", r.UID).Warn("receiver_ack")
		delete(mr.messages, r.UID)
		return false
	}

	mr.log.WithField("uid", r.UID).Info("receiver_ack")
	if msg.State != StateUnacked {
		return false
	}

	msg.State = StateAcked
	mr.withMessageState(msg).Info("receiver_message_update")
	return true
}

func (mr *MailReceiver) handleUpdate(upd imap.Update) bool {
	mr.log.WithFields(log.Fields{
		"kind": upd.Kind,
		"num":  upd.Num,
	}).Trace("receiver_got_update")

	return upd.Kind == imap.UpdateExists
}

func (mr *MailReceiver) run() {
	state := StateNone
	toAck := map[uint32]struct{}{}
	var deferred []deferredRequest
	var outQueue []*Message

	wantQuit := FlagCounter{}
	wantFetch := FlagCounter{Counter: 1} // Initial search
	wantAck := FlagCounter{}

	var stopIdle *Stopper
	opChan := make(chan operation, 1)
	clientGone := mr.client.LoggedOut()

	setState := func(s sstate) {
		mr.log.WithFields(log.Fields{
			"old": state,
			"new": s,
		}).Trace("receiver_state_change")
		state = s
	}

	// interrupt ends IDLE so that pending work can start.
	interrupt := func() {
		if state == StateInIDLE && stopIdle != nil {
			stopIdle.Stop()
		}
	}

	for {
		mr.log.WithFields(log.Fields{
			"state":      state,
			"want_quit":  wantQuit.IsFlagged(),
			"want_fetch": wantFetch.IsFlagged(),
			"want_ack":   wantAck.IsFlagged(),
		}).Trace("receiver_loop_start")

		op := OperationNone

		// Publishing shares the select so a slow consumer never stalls
		// acks or deferred requests.
		var out chan<- *Message
		var head *Message
		if len(outQueue) > 0 && !wantQuit.IsFlagged() {
			out, head = mr.outChannel, outQueue[0]
		}

		select {
		case out <- head:
			outQueue = outQueue[1:]
			continue
		case <-mr.wantQuit:
			wantQuit.Flag()
			interrupt()
			if q, ok := mr.client.(quitter); ok {
				q.FlagQuit()
			}
		case <-clientGone:
			mr.log.Warn("receiver_client_gone")
			clientGone = nil
			wantQuit.Flag()
			interrupt()
		case upd := <-mr.updates:
			if mr.handleUpdate(upd) {
				wantFetch.Flag()
				interrupt()
			}
		case _r := <-mr.imapChannel:
			switch r := _r.(type) {
			case fetchResult:
				if state != StateInFetch {
					mr.log.WithField("state", state).Panic("receiver_fetch_outside_fetch")
				}

				// If we're quitting, just discard all new fetches
				if wantQuit.IsFlagged() {
					mr.log.WithField("count", len(r.Messages)).Trace("receiver_ignoring_fetch_quitting")
					break
				}

				outQueue = append(outQueue, mr.handleFetch(&r)...)
				// A full round may have left more behind.
				wantFetch.FlagIf(r.Err == nil && uint(len(r.Messages)) >= mr.cfg.FetchBufferSize)
			case ackResult:
				if state != StateInAck {
					mr.log.WithField("state", state).Panic("receiver_ack_outside_ack")
				}

				// Failed acks wait for the next tick.
				for _, uid := range mr.handleAckResult(&r) {
					toAck[uid] = struct{}{}
				}
			case deferredResult:
				if msg, ok := mr.messages[r.UID]; ok {
					msg.Body = r.Body
				}
			default:
				mr.log.WithField("result", r).Panic("receiver_invalid_result")
			}
		case ack := <-mr.ackChannel:
			// ACKs should be handled in any state
			if mr.handleAck(&ack) {
				toAck[ack.UID] = struct{}{}
				wantAck.Flag()
				interrupt()
			}
		case req := <-mr.deferredChannel:
			deferred = append(deferred, req)
			interrupt()
		case <-time.After(mr.cfg.FetchMaxInterval):
			op = OperationTimeout
		case op = <-opChan:
			break
		}

		mr.log.WithFields(log.Fields{
			"state":     state,
			"operation": op,
		}).Trace("receiver_tick")

		switch state {
		case StateNone:
			switch op {
			case OperationNone:
				break
			case OperationTimeout:
				wantFetch.Flag()
				wantAck.FlagIf(len(toAck) > 0)
			default:
				mr.log.WithFields(log.Fields{"state": state, "operation": op}).Panic("invalid_operation_for_state")
			}

			if wantQuit.IsFlagged() {
				for _, req := range deferred {
					req.r <- deferredReply{Err: mailerr.New(mailerr.KindIO, "deferred", errReceiverClosed)}
				}
				deferred = nil
				goto done
			}

			if wantAck.IsFlagged() && len(toAck) > 0 {
				wantAck.Reset()
				uids := make([]uint32, 0, len(toAck))
				for uid := range toAck {
					uids = append(uids, uid)
				}
				toAck = map[uint32]struct{}{}

				mr.log.WithField("uids", uids).Trace("receiver_ack_start")
				setState(StateInAck)
				go func() {
					mr.imapChannel <- mr.doAck(uids)
					opChan <- OperationAckFinish
				}()
				continue
			}

			if len(deferred) > 0 {
				req := deferred[0]
				deferred = deferred[1:]

				var body *Body
				if msg, ok := mr.messages[req.UID]; ok {
					body = msg.Body
				}

				mr.log.WithField("uid", req.UID).Trace("receiver_deferred_start")
				setState(StateInDeferred)
				go func() {
					updated, parts, err := mr.doDeferred(req.UID, body)
					if err == nil {
						mr.imapChannel <- deferredResult{UID: req.UID, Body: updated}
					}
					req.r <- deferredReply{Parts: parts, Err: err}
					opChan <- OperationDeferredFinish
				}()
				continue
			}

			if wantFetch.IsFlagged() {
				mr.log.Trace("receiver_fetch_start")
				wantFetch.Reset()
				setState(StateInFetch)

				known := mr.known()
				go func() {
					mr.imapChannel <- mr.doFetch(known)
					opChan <- OperationFetchFinish
				}()
				continue
			}

			mr.log.Trace("receiver_idle_start")
			setState(StateInIDLE)
			stopIdle = NewStopper()
			go func(stop <-chan struct{}) {
				if err := mr.client.Idle(stop); err != nil {
					// Fall back to polling.
					mr.log.WithError(err).Warn("receiver_idle_failed")
					select {
					case <-stop:
					case <-time.After(mr.cfg.FetchMaxInterval):
					}
				}
				opChan <- OperationIDLEFinish
			}(stopIdle.Channel())

		case StateInIDLE:
			switch op {
			case OperationNone:
				break
			case OperationTimeout:
				wantFetch.Flag()
				wantAck.FlagIf(len(toAck) > 0)
				stopIdle.Stop()
			case OperationIDLEFinish:
				mr.log.Trace("receiver_idle_finish")
				stopIdle.Stop()
				stopIdle = nil
				// The server may have ended IDLE on its own.
				wantFetch.Flag()
				setState(StateNone)
				opChan <- OperationNone
			default:
				mr.log.WithFields(log.Fields{"state": state, "operation": op}).Panic("invalid_operation_for_state")
			}
		case StateInFetch, StateInAck, StateInDeferred:
			switch op {
			case OperationNone:
				break
			case OperationTimeout:
				wantFetch.Flag()
			case OperationFetchFinish, OperationAckFinish, OperationDeferredFinish:
				mr.log.WithField("operation", op).Trace("receiver_work_finish")
				setState(StateNone)
				opChan <- OperationNone
			default:
				mr.log.WithFields(log.Fields{"state": state, "operation": op}).Panic("invalid_operation_for_state")
			}
		}
	}

done:
	mr.log.WithField("state", state).Trace("receiver_loop_exit")

	close(mr.done)
	mr.hasQuit <- struct{}{}
	mr.log.Trace("receiver_proc_quit")
}

// Done is closed when the receive loop exits, either after Close or
// because the connection was lost for good.
func (mr *MailReceiver) Done() <-chan struct{} {
	return mr.done
}

func (mr *MailReceiver) Close() {
	mr.log.Trace("receiver_close_invoked")
	select {
	case mr.wantQuit <- struct{}{}:
	default:
	}
	mr.log.Trace("receiver_close_waiting_for_quit")
	<-mr.hasQuit
	mr.hasQuit <- struct{}{}
	mr.log.Trace("receiver_close_have_quit")
	_ = mr.client.Logout()
	mr.log.Trace("receiver_close_logout")
}
