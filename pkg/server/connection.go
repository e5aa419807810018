package server

import (
	"context"
	"fmt"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/shiv248/adopted/internal/protocol"
	"github.com/shiv248/adopted/pkg/logger"
	"github.com/shiv248/adopted/pkg/ot"
)

// Connection drives one client's WebSocket lifecycle against a Session:
// reading ClientEnvelope messages off the socket and dispatching them,
// while a second goroutine drains the Session's broadcast channel for
// this user and writes it back out.
type Connection struct {
	userID  ot.PID
	session *Session
	conn    *websocket.Conn

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConnection returns a handler for the socket lifecycle of userID,
// which must already have been registered with session by Session.Join.
func NewConnection(session *Session, conn *websocket.Conn, userID ot.PID, readTimeout, writeTimeout time.Duration) *Connection {
	return &Connection{
		userID:       userID,
		session:      session,
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Handle runs the connection until the client disconnects or ctx is
// canceled, then unregisters it from the session.
func (c *Connection) Handle(ctx context.Context, updates <-chan *protocol.ServerEnvelope, history []protocol.RequestWire, language *string, users map[ot.PID]protocol.UserInfo, cursors map[ot.PID]protocol.CursorData) error {
	defer c.session.Leave(c.userID)

	if err := c.sendInitial(ctx, history, language, users, cursors); err != nil {
		return fmt.Errorf("send initial state: %w", err)
	}

	readerDone := make(chan error, 1)
	go c.readLoop(ctx, readerDone)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readerDone:
			return err
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			if err := c.send(ctx, msg); err != nil {
				return fmt.Errorf("broadcast write: %w", err)
			}
		}
	}
}

func (c *Connection) sendInitial(ctx context.Context, history []protocol.RequestWire, language *string, users map[ot.PID]protocol.UserInfo, cursors map[ot.PID]protocol.CursorData) error {
	if err := c.send(ctx, protocol.NewIdentityMsg(c.userID)); err != nil {
		return err
	}
	if len(history) > 0 {
		if err := c.send(ctx, protocol.NewHistoryMsg(0, history, nil)); err != nil {
			return err
		}
	}
	if language != nil {
		if err := c.send(ctx, protocol.NewLanguageMsg(*language, c.userID, "")); err != nil {
			return err
		}
	}
	for id, info := range users {
		infoCopy := info
		if err := c.send(ctx, protocol.NewUserInfoMsg(id, &infoCopy)); err != nil {
			return err
		}
	}
	for id, data := range cursors {
		if err := c.send(ctx, protocol.NewUserCursorMsg(id, data)); err != nil {
			return err
		}
	}
	return nil
}

// readLoop reads client messages until the socket closes or ctx ends,
// dispatching each to the session and reporting the terminal error (nil
// for a normal close) on done.
func (c *Connection) readLoop(ctx context.Context, done chan<- error) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
		var env protocol.ClientEnvelope
		err := wsjson.Read(readCtx, c.conn, &env)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				done <- nil
				return
			}
			done <- fmt.Errorf("read message: %w", err)
			return
		}

		if err := c.dispatch(&env); err != nil {
			if ot.IsPrecondition(err) {
				// The client asked for something no longer possible
				// (e.g. undo raced the server's can-undo broadcast).
				// Not a protocol fault: log and keep the connection.
				logger.Debug("user %d: rejected request: %v", c.userID, err)
				continue
			}
			logger.Error("user %d: %v", c.userID, err)
			done <- err
			return
		}
	}
}

func (c *Connection) dispatch(env *protocol.ClientEnvelope) error {
	switch {
	case env.Do != nil:
		op, err := env.Do.Op.Operation()
		if err != nil {
			return fmt.Errorf("do: %w", err)
		}
		return c.session.Do(c.userID, op)
	case env.Undo != nil:
		return c.session.Undo(c.userID)
	case env.Redo != nil:
		return c.session.Redo(c.userID)
	case env.SetLanguage != nil:
		c.session.SetLanguage(c.userID, *env.SetLanguage)
		return nil
	case env.ClientInfo != nil:
		c.session.SetUserInfo(c.userID, *env.ClientInfo)
		return nil
	case env.CursorData != nil:
		c.session.SetCursorData(c.userID, *env.CursorData)
		return nil
	default:
		return nil
	}
}

func (c *Connection) send(ctx context.Context, msg *protocol.ServerEnvelope) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, msg)
}
