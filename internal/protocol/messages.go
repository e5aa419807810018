// Package protocol defines the WebSocket message protocol between client
// and server: client Do/Undo/Redo request envelopes and server
// broadcast/history envelopes, carrying pkg/ot requests over the wire.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shiv248/adopted/internal/vclock"
	"github.com/shiv248/adopted/pkg/ot"
	"github.com/shiv248/adopted/pkg/textop"
)

// UserInfo represents a connected user's display information.
type UserInfo struct {
	Name string `json:"name"`
	Hue  uint32 `json:"hue"`
}

// CursorData represents a user's cursor positions and selections.
type CursorData struct {
	Cursors    []uint32    `json:"cursors"`
	Selections [][2]uint32 `json:"selections"`
}

// OpWire is the tagged-union wire form of an ot.Operation. Exactly one
// field is set. New Operation implementations need a case here and in
// ToWire/FromWire; the transformation core itself never serializes an
// Operation, only the transport boundary does.
type OpWire struct {
	Insert *textop.Insert `json:"Insert,omitempty"`
	Delete *textop.Delete `json:"Delete,omitempty"`
}

// ToOpWire converts an ot.Operation to its wire form.
func ToOpWire(op ot.Operation) (*OpWire, error) {
	if op == nil {
		return nil, nil
	}
	switch v := op.(type) {
	case textop.Insert:
		return &OpWire{Insert: &v}, nil
	case textop.Delete:
		return &OpWire{Delete: &v}, nil
	default:
		return nil, fmt.Errorf("protocol: no wire form registered for operation type %T", op)
	}
}

// Operation recovers the concrete ot.Operation this wire value carries.
func (w *OpWire) Operation() (ot.Operation, error) {
	switch {
	case w == nil:
		return nil, nil
	case w.Insert != nil:
		return *w.Insert, nil
	case w.Delete != nil:
		return *w.Delete, nil
	default:
		return nil, fmt.Errorf("protocol: OpWire carries no operation")
	}
}

// RequestWire is the wire form of an ot.Request.
type RequestWire struct {
	Kind   string         `json:"kind"`
	User   ot.PID         `json:"user"`
	Vector *vclock.Vector `json:"vector"`
	Op     *OpWire        `json:"op,omitempty"`
}

// ToRequestWire converts an executed or generated request to its wire
// form for broadcast or history replay.
func ToRequestWire(r *ot.Request) (*RequestWire, error) {
	opWire, err := ToOpWire(r.Op)
	if err != nil {
		return nil, err
	}
	return &RequestWire{Kind: r.Kind.String(), User: r.User, Vector: r.Vector, Op: opWire}, nil
}

// Request reconstructs the ot.Request this wire value carries.
func (w *RequestWire) Request() (*ot.Request, error) {
	op, err := w.Op.Operation()
	if err != nil {
		return nil, err
	}
	switch w.Kind {
	case "Do":
		return ot.NewDo(w.Vector, w.User, op), nil
	case "Undo":
		return ot.NewUndo(w.Vector, w.User), nil
	case "Redo":
		return ot.NewRedo(w.Vector, w.User), nil
	default:
		return nil, fmt.Errorf("protocol: unknown request kind %q", w.Kind)
	}
}

// ClientEnvelope is a message sent from client to server. Exactly one
// field should be set (tagged-union pattern, following the teacher's
// ClientMsg convention).
type ClientEnvelope struct {
	Do          *RequestWire `json:"Do,omitempty"`
	Undo        *struct{}    `json:"Undo,omitempty"`
	Redo        *struct{}    `json:"Redo,omitempty"`
	SetLanguage *string      `json:"SetLanguage,omitempty"`
	ClientInfo  *UserInfo    `json:"ClientInfo,omitempty"`
	CursorData  *CursorData  `json:"CursorData,omitempty"`
}

// UnmarshalJSON implements custom JSON unmarshaling for ClientEnvelope,
// populating only the field present in data.
func (m *ClientEnvelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["Do"]; ok {
		var req RequestWire
		if err := json.Unmarshal(v, &req); err != nil {
			return err
		}
		m.Do = &req
	}
	if _, ok := raw["Undo"]; ok {
		m.Undo = &struct{}{}
	}
	if _, ok := raw["Redo"]; ok {
		m.Redo = &struct{}{}
	}
	if v, ok := raw["SetLanguage"]; ok {
		var lang string
		if err := json.Unmarshal(v, &lang); err != nil {
			return err
		}
		m.SetLanguage = &lang
	}
	if v, ok := raw["ClientInfo"]; ok {
		var info UserInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return err
		}
		m.ClientInfo = &info
	}
	if v, ok := raw["CursorData"]; ok {
		var cursor CursorData
		if err := json.Unmarshal(v, &cursor); err != nil {
			return err
		}
		m.CursorData = &cursor
	}
	return nil
}

// HistoryMsg replays every request executed since Start to a newly
// joined client.
type HistoryMsg struct {
	Start    int            `json:"start"`
	Requests []RequestWire  `json:"requests"`
	Vector   *vclock.Vector `json:"vector"`
}

// UserInfoMsg broadcasts user connection/disconnection events.
type UserInfoMsg struct {
	ID   ot.PID    `json:"id"`
	Info *UserInfo `json:"info,omitempty"`
}

// UserCursorMsg broadcasts cursor position updates.
type UserCursorMsg struct {
	ID   ot.PID     `json:"id"`
	Data CursorData `json:"data"`
}

// LanguageMsg broadcasts a document language change.
type LanguageMsg struct {
	Language string `json:"language"`
	UserID   ot.PID `json:"user_id"`
	UserName string `json:"user_name"`
}

// OTPMsg broadcasts OTP changes to authenticated clients.
type OTPMsg struct {
	OTP      *string `json:"otp"`
	UserID   ot.PID  `json:"user_id"`
	UserName string  `json:"user_name"`
}

// AvailabilityMsg reports a can-undo/can-redo flip for one user, the
// wire realization of ot.Algorithm's OnCanUndoChanged/OnCanRedoChanged
// events.
type AvailabilityMsg struct {
	UserID ot.PID `json:"user_id"`
	Can    bool   `json:"can"`
}

// ServerEnvelope is a message sent from server to client. Exactly one
// field should be set.
type ServerEnvelope struct {
	Identity   *ot.PID          `json:"Identity,omitempty"`
	Request    *RequestWire     `json:"Request,omitempty"`
	History    *HistoryMsg      `json:"History,omitempty"`
	Language   *LanguageMsg     `json:"Language,omitempty"`
	UserInfo   *UserInfoMsg     `json:"UserInfo,omitempty"`
	UserCursor *UserCursorMsg   `json:"UserCursor,omitempty"`
	OTP        *OTPMsg          `json:"OTP,omitempty"`
	CanUndo    *AvailabilityMsg `json:"CanUndo,omitempty"`
	CanRedo    *AvailabilityMsg `json:"CanRedo,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for ServerEnvelope so
// only the populated field is present in the JSON output.
func (m *ServerEnvelope) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})

	switch {
	case m.Identity != nil:
		result["Identity"] = *m.Identity
	case m.Request != nil:
		result["Request"] = m.Request
	case m.History != nil:
		result["History"] = m.History
	case m.Language != nil:
		result["Language"] = m.Language
	case m.UserInfo != nil:
		result["UserInfo"] = m.UserInfo
	case m.UserCursor != nil:
		result["UserCursor"] = m.UserCursor
	case m.OTP != nil:
		result["OTP"] = m.OTP
	case m.CanUndo != nil:
		result["CanUndo"] = m.CanUndo
	case m.CanRedo != nil:
		result["CanRedo"] = m.CanRedo
	}

	return json.Marshal(result)
}

// NewIdentityMsg creates an Identity server message.
func NewIdentityMsg(id ot.PID) *ServerEnvelope {
	return &ServerEnvelope{Identity: &id}
}

// NewRequestMsg creates a Request server message broadcasting an
// executed request.
func NewRequestMsg(req *ot.Request) (*ServerEnvelope, error) {
	w, err := ToRequestWire(req)
	if err != nil {
		return nil, err
	}
	return &ServerEnvelope{Request: w}, nil
}

// NewHistoryMsg creates a History server message.
func NewHistoryMsg(start int, requests []RequestWire, vector *vclock.Vector) *ServerEnvelope {
	return &ServerEnvelope{History: &HistoryMsg{Start: start, Requests: requests, Vector: vector}}
}

// NewLanguageMsg creates a Language server message.
func NewLanguageMsg(lang string, userID ot.PID, userName string) *ServerEnvelope {
	return &ServerEnvelope{Language: &LanguageMsg{Language: lang, UserID: userID, UserName: userName}}
}

// NewUserInfoMsg creates a UserInfo server message.
func NewUserInfoMsg(id ot.PID, info *UserInfo) *ServerEnvelope {
	return &ServerEnvelope{UserInfo: &UserInfoMsg{ID: id, Info: info}}
}

// NewUserCursorMsg creates a UserCursor server message.
func NewUserCursorMsg(id ot.PID, data CursorData) *ServerEnvelope {
	return &ServerEnvelope{UserCursor: &UserCursorMsg{ID: id, Data: data}}
}

// NewOTPMsg creates an OTP server message.
func NewOTPMsg(otp *string, userID ot.PID, userName string) *ServerEnvelope {
	return &ServerEnvelope{OTP: &OTPMsg{OTP: otp, UserID: userID, UserName: userName}}
}

// NewCanUndoMsg creates a CanUndo server message.
func NewCanUndoMsg(userID ot.PID, can bool) *ServerEnvelope {
	return &ServerEnvelope{CanUndo: &AvailabilityMsg{UserID: userID, Can: can}}
}

// NewCanRedoMsg creates a CanRedo server message.
func NewCanRedoMsg(userID ot.PID, can bool) *ServerEnvelope {
	return &ServerEnvelope{CanRedo: &AvailabilityMsg{UserID: userID, Can: can}}
}

// FormatUserID renders a PID for use as a metric label value.
func FormatUserID(id ot.PID) string {
	return strconv.FormatUint(uint64(id), 10)
}
