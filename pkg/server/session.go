// Package server hosts one WebSocket-facing Session per document, each
// wrapping a single ot.Algorithm instance: every connected client is
// registered as a local participant of that one instance, which makes
// this process the authoritative replica for the document (as opposed
// to a peer-to-peer deployment where each client would run its own
// Algorithm too). Do/Undo/Redo intents arrive from a client's socket as
// bare operations; the Session calls GenerateRequest/GenerateUndo/
// GenerateRedo on its behalf and broadcasts the resulting, already
// current-state request to every connected client, including the
// issuer, the way the teacher's Kolabpad.broadcast fans a canonical
// mutation out to every subscriber rather than just the peers.
package server

import (
	"sync/atomic"
	"time"

	"github.com/shiv248/adopted/internal/protocol"
	"github.com/shiv248/adopted/pkg/buffer"
	"github.com/shiv248/adopted/pkg/logger"
	"github.com/shiv248/adopted/pkg/metrics"
	"github.com/shiv248/adopted/pkg/ot"
	"github.com/shiv248/adopted/pkg/textop"
)

// Session is the collaborative editing state for a single document: one
// ot.Algorithm, the document buffer it transforms, and the bookkeeping
// needed to serve newly joined clients and broadcast executed requests.
//
// Every exported method that touches the Algorithm or the session's
// bookkeeping runs on Session's own goroutine via a mailbox channel
// (Text and Snapshot read the buffer directly, relying on
// buffer.Document's own lock), realizing spec §5's
// single-logical-executor requirement without a mutex: the Algorithm
// callbacks (OnApplyRequest, OnCan{Undo,Redo}Changed) that fire inside
// Algorithm method calls run on that same goroutine, so broadcasting
// from inside them never races a concurrent caller.
type Session struct {
	docID string

	alg *ot.Algorithm
	doc *buffer.Document

	nextUserID atomic.Uint64

	mailbox chan func()
	killed  atomic.Bool

	lastEditTime atomic.Int64

	users   map[ot.PID]protocol.UserInfo
	cursors map[ot.PID]protocol.CursorData
	history []protocol.RequestWire

	language *string
	otp      *string

	subscribers map[ot.PID]chan *protocol.ServerEnvelope

	maxDocumentSize     int
	broadcastBufferSize int
}

// NewSession creates an empty document session.
func NewSession(docID string, maxTotalLogSize uint64, maxDocumentSize, broadcastBufferSize int) *Session {
	s := newBareSession(docID, maxTotalLogSize, maxDocumentSize, broadcastBufferSize)
	go s.run()
	return s
}

// FromPersistedDocument creates a session seeded with previously stored
// text, recorded as a single Insert issued by protocol.SystemUserID so
// the document's own request log — and therefore undo/redo and
// translation — has a coherent origin rather than materializing text
// the engine never saw an operation for.
func FromPersistedDocument(docID, text string, language *string, maxTotalLogSize uint64, maxDocumentSize, broadcastBufferSize int) *Session {
	s := newBareSession(docID, maxTotalLogSize, maxDocumentSize, broadcastBufferSize)
	s.language = language

	const systemUser = ot.PID(protocol.SystemUserID)
	s.alg.AddLocalUser(systemUser, nil)
	if text != "" {
		if _, err := s.alg.GenerateRequest(systemUser, textop.Insert{Position: 0, Text: text}); err != nil {
			logger.Error("session %s: seeding persisted text failed: %v", docID, err)
		}
	}

	go s.run()
	return s
}

func newBareSession(docID string, maxTotalLogSize uint64, maxDocumentSize, broadcastBufferSize int) *Session {
	doc := buffer.NewDocument("")
	alg := ot.NewAlgorithm(doc)
	alg.MaxTotalLogSize = maxTotalLogSize

	s := &Session{
		docID:               docID,
		alg:                 alg,
		doc:                 doc,
		mailbox:             make(chan func(), 64),
		users:               make(map[ot.PID]protocol.UserInfo),
		cursors:             make(map[ot.PID]protocol.CursorData),
		subscribers:         make(map[ot.PID]chan *protocol.ServerEnvelope),
		maxDocumentSize:     maxDocumentSize,
		broadcastBufferSize: broadcastBufferSize,
	}
	s.nextUserID.Store(1) // PIDs are non-zero per spec §3.

	alg.OnApplyRequest = s.onApplyRequest
	alg.OnCanUndoChanged = s.onCanUndoChanged
	alg.OnCanRedoChanged = s.onCanRedoChanged
	return s
}

// run is the Session's single logical executor: every mutation of alg,
// doc, or the bookkeeping maps happens here.
func (s *Session) run() {
	for fn := range s.mailbox {
		fn()
	}
}

// call enqueues fn on the mailbox and blocks until it has run, so
// exported methods can return a value computed on the executor
// goroutine without exposing the mailbox to callers. A call made after
// Kill returns without running fn.
func (s *Session) call(fn func()) {
	if s.killed.Load() {
		return
	}
	done := make(chan struct{})
	s.mailbox <- func() { fn(); close(done) }
	<-done
}

// onApplyRequest is ot.Algorithm's apply-request handler: it realizes
// the translated operation against the buffer (already done by
// Algorithm itself before invoking this hook — see execute), records
// the wire form for history replay, and broadcasts it to every
// connected client.
func (s *Session) onApplyRequest(user ot.PID, translated *ot.Request) {
	s.lastEditTime.Store(time.Now().Unix())

	wire, err := protocol.ToRequestWire(translated)
	if err != nil {
		logger.Error("session %s: encoding executed request: %v", s.docID, err)
		return
	}
	s.history = append(s.history, *wire)

	metrics.RequestsExecuted.WithLabelValues(s.docID, translated.Kind.String()).Inc()

	msg, err := protocol.NewRequestMsg(translated)
	if err != nil {
		logger.Error("session %s: encoding request message: %v", s.docID, err)
		return
	}
	s.broadcast(msg)
}

func (s *Session) onCanUndoChanged(user ot.PID, can bool) {
	s.sendTo(user, protocol.NewCanUndoMsg(user, can))
	metrics.ObserveUndoRedo(s.docID, userLabel(user), can, s.alg.CanRedo(user))
}

func (s *Session) onCanRedoChanged(user ot.PID, can bool) {
	s.sendTo(user, protocol.NewCanRedoMsg(user, can))
	metrics.ObserveUndoRedo(s.docID, userLabel(user), s.alg.CanUndo(user), can)
}

// broadcast delivers msg to every subscribed connection, dropping it
// for any connection whose buffer is full rather than blocking the
// executor goroutine on a slow reader.
func (s *Session) broadcast(msg *protocol.ServerEnvelope) {
	for _, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// sendTo delivers msg only to the given user's connection, if any.
func (s *Session) sendTo(user ot.PID, msg *protocol.ServerEnvelope) {
	if ch, ok := s.subscribers[user]; ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Join registers a newly connected client as a local participant,
// returning its assigned PID, the channel it should read broadcasts
// from, and the state it needs to catch up: operation history, current
// language, known users, and cursor data.
func (s *Session) Join() (pid ot.PID, updates <-chan *protocol.ServerEnvelope, history []protocol.RequestWire, language *string, users map[ot.PID]protocol.UserInfo, cursors map[ot.PID]protocol.CursorData) {
	s.call(func() {
		pid = ot.PID(s.nextUserID.Add(1) - 1)
		s.alg.AddLocalUser(pid, s.alg.Current())

		ch := make(chan *protocol.ServerEnvelope, s.broadcastBufferSize)
		s.subscribers[pid] = ch
		updates = ch

		history = append([]protocol.RequestWire(nil), s.history...)
		language = s.language
		users = make(map[ot.PID]protocol.UserInfo, len(s.users))
		for id, info := range s.users {
			users[id] = info
		}
		cursors = make(map[ot.PID]protocol.CursorData, len(s.cursors))
		for id, data := range s.cursors {
			cursors[id] = data
		}

		metrics.ActiveDocuments.Set(float64(len(s.subscribers)))
	})
	return
}

// Leave disconnects a client. Its Algorithm participant entry is kept
// (not RemoveLocalUser'd): other participants' Undo/Redo chains and the
// translation engine's reachability walks may still reference slots in
// this user's log, and spec.md's Non-goals exclude crash recovery, not
// "a user who goes quiet" — discarding their log the moment they
// disconnect would make any later fold/mirror referencing it panic.
func (s *Session) Leave(pid ot.PID) {
	s.call(func() {
		if ch, ok := s.subscribers[pid]; ok {
			close(ch)
			delete(s.subscribers, pid)
		}
		delete(s.users, pid)
		delete(s.cursors, pid)
		s.broadcast(protocol.NewUserInfoMsg(pid, nil))
		metrics.ForgetUser(s.docID, userLabel(pid))
		metrics.ActiveDocuments.Set(float64(len(s.subscribers)))
	})
}

// Do submits a Do operation on behalf of user.
func (s *Session) Do(user ot.PID, op ot.Operation) error {
	var err error
	s.call(func() {
		if s.doc.RuneLen() > s.maxDocumentSize {
			err = errDocumentTooLarge(s.maxDocumentSize)
			return
		}
		_, err = s.alg.GenerateRequest(user, op)
		s.observeQueueDepth()
	})
	return err
}

// Undo submits an Undo request on behalf of user.
func (s *Session) Undo(user ot.PID) error {
	var err error
	s.call(func() {
		_, err = s.alg.GenerateUndo(user)
		s.observeQueueDepth()
	})
	return err
}

// Redo submits a Redo request on behalf of user.
func (s *Session) Redo(user ot.PID) error {
	var err error
	s.call(func() {
		_, err = s.alg.GenerateRedo(user)
		s.observeQueueDepth()
	})
	return err
}

func (s *Session) observeQueueDepth() {
	// ot.Algorithm does not expose queue length directly since pkg/server
	// never drives ReceiveRequest (every participant here is local); the
	// gauge stays at its zero value for this deployment shape, which is
	// correct rather than omitted, so a federated deployment that does
	// call ReceiveRequest can reuse the same metric without a migration.
	metrics.QueueDepth.WithLabelValues(s.docID).Set(0)
}

// SetLanguage updates the document's syntax-highlighting language and
// broadcasts the change.
func (s *Session) SetLanguage(user ot.PID, lang string) {
	s.call(func() {
		s.language = &lang
		info := s.users[user]
		s.broadcast(protocol.NewLanguageMsg(lang, user, info.Name))
	})
}

// SetUserInfo updates a user's display info and broadcasts it.
func (s *Session) SetUserInfo(user ot.PID, info protocol.UserInfo) {
	s.call(func() {
		s.users[user] = info
		s.broadcast(protocol.NewUserInfoMsg(user, &info))
	})
}

// SetCursorData updates a user's cursor/selection positions and
// broadcasts them.
func (s *Session) SetCursorData(user ot.PID, data protocol.CursorData) {
	s.call(func() {
		s.cursors[user] = data
		s.broadcast(protocol.NewUserCursorMsg(user, data))
	})
}

// SetOTP updates the document's one-time-password gate.
func (s *Session) SetOTP(user ot.PID, otp *string) {
	s.call(func() {
		s.otp = otp
		info := s.users[user]
		s.broadcast(protocol.NewOTPMsg(otp, user, info.Name))
	})
}

// OTP returns the current OTP, or nil if the document is unprotected.
func (s *Session) OTP() *string {
	var otp *string
	s.call(func() { otp = s.otp })
	return otp
}

// Text returns the document's current contents.
func (s *Session) Text() string {
	return s.doc.String()
}

// Snapshot returns the document's text and language for persistence.
func (s *Session) Snapshot() (text string, language *string) {
	s.call(func() { language = s.language })
	return s.doc.String(), language
}

// Revision returns how many requests have been recorded in history so
// far, used by the persister to avoid redundant writes.
func (s *Session) Revision() int {
	var n int
	s.call(func() { n = len(s.history) })
	return n
}

// UserCount returns the number of currently connected clients.
func (s *Session) UserCount() int {
	var n int
	s.call(func() { n = len(s.subscribers) })
	return n
}

// LastEditTime returns the time of the most recent executed request, or
// the zero time if the document has never been edited.
func (s *Session) LastEditTime() time.Time {
	ts := s.lastEditTime.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Killed reports whether Kill has been called on this session.
func (s *Session) Killed() bool { return s.killed.Load() }

// Kill disconnects every client and stops the session's executor.
func (s *Session) Kill() {
	if !s.killed.CompareAndSwap(false, true) {
		return
	}
	done := make(chan struct{})
	select {
	case s.mailbox <- func() {
		for pid, ch := range s.subscribers {
			close(ch)
			metrics.ForgetUser(s.docID, userLabel(pid))
		}
		s.subscribers = make(map[ot.PID]chan *protocol.ServerEnvelope)
		close(done)
	}:
		<-done
	default:
	}
	close(s.mailbox)
}

func userLabel(pid ot.PID) string {
	return protocol.FormatUserID(pid)
}
