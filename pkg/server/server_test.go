package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/shiv248/adopted/internal/protocol"
	"github.com/shiv248/adopted/pkg/database"
	"github.com/shiv248/adopted/pkg/ot"
	"github.com/shiv248/adopted/pkg/textop"
)

// testConfig returns test-friendly server settings: a short log
// retention window, a generous document size cap, and quick socket
// timeouts so a hung test fails fast instead of hanging the suite.
func testConfig() Config {
	return Config{
		MaxTotalLogSize:     64,
		MaxDocumentSize:     256 * 1024,
		BroadcastBufferSize: 256,
		WSReadTimeout:       5 * time.Minute,
		WSWriteTimeout:      5 * time.Second,
	}
}

// testServer creates a test server with an in-memory database.
func testServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewServer(db, testConfig())
}

// testServerNoDb creates a test server without a database.
func testServerNoDb(t *testing.T) *Server {
	t.Helper()
	return NewServer(nil, testConfig())
}

// connectWebSocket establishes a WebSocket connection to a test server.
func connectWebSocket(t *testing.T, server *httptest.Server, docID string, otp string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/socket/" + docID
	if otp != "" {
		url += "?otp=" + otp
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readServerMsg reads a message from the WebSocket and returns the
// parsed ServerEnvelope.
func readServerMsg(t *testing.T, conn *websocket.Conn) *protocol.ServerEnvelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var msg protocol.ServerEnvelope
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return &msg
}

// sendClientMsg sends a ClientEnvelope to the server.
func sendClientMsg(t *testing.T, conn *websocket.Conn, msg *protocol.ClientEnvelope) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
}

// doMsg builds a client Do envelope wrapping op. Only the Op field is
// read by the server (see Connection.dispatch); the rest of the wire
// RequestWire is ignored for client-originated Do requests since every
// participant here is local and the session derives its own vector.
func doMsg(op ot.Operation) *protocol.ClientEnvelope {
	wire, err := protocol.ToOpWire(op)
	if err != nil {
		panic(err)
	}
	return &protocol.ClientEnvelope{Do: &protocol.RequestWire{Op: wire}}
}

func TestSingleUserConnection(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn := connectWebSocket(t, ts, "test123", "")

	msg := readServerMsg(t, conn)
	if msg.Identity == nil {
		t.Fatalf("Expected Identity message, got %+v", msg)
	}
	if *msg.Identity != 1 {
		t.Errorf("Expected first user to get PID 1, got %d", *msg.Identity)
	}
}

func TestMultipleUsersConnection(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn1 := connectWebSocket(t, ts, "test123", "")
	msg1 := readServerMsg(t, conn1)
	if msg1.Identity == nil || *msg1.Identity != 1 {
		t.Fatalf("Expected first user to get PID 1, got %+v", msg1)
	}

	conn2 := connectWebSocket(t, ts, "test123", "")
	msg2 := readServerMsg(t, conn2)
	if msg2.Identity == nil || *msg2.Identity != 2 {
		t.Fatalf("Expected second user to get PID 2, got %+v", msg2)
	}
}

func TestEditBroadcast(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn1 := connectWebSocket(t, ts, "test123", "")
	readServerMsg(t, conn1) // Identity

	conn2 := connectWebSocket(t, ts, "test123", "")
	readServerMsg(t, conn2) // Identity

	sendClientMsg(t, conn1, doMsg(textop.Insert{Position: 0, Text: "hello"}))

	msg1 := readServerMsg(t, conn1)
	msg2 := readServerMsg(t, conn2)

	if msg1.Request == nil {
		t.Fatalf("Client 1 expected Request message, got %+v", msg1)
	}
	if msg2.Request == nil {
		t.Fatalf("Client 2 expected Request message, got %+v", msg2)
	}
	if msg1.Request.Op == nil || msg1.Request.Op.Insert == nil {
		t.Errorf("Expected broadcast Insert operation, got %+v", msg1.Request.Op)
	}
}

func TestLanguageBroadcast(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn1 := connectWebSocket(t, ts, "test123", "")
	readServerMsg(t, conn1) // Identity

	sendClientMsg(t, conn1, &protocol.ClientEnvelope{ClientInfo: &protocol.UserInfo{Name: "Alice", Hue: 120}})
	readServerMsg(t, conn1) // UserInfo broadcast

	conn2 := connectWebSocket(t, ts, "test123", "")
	readServerMsg(t, conn2) // Identity
	readServerMsg(t, conn2) // UserInfo for existing user

	lang := "javascript"
	sendClientMsg(t, conn1, &protocol.ClientEnvelope{SetLanguage: &lang})

	msg1 := readServerMsg(t, conn1)
	msg2 := readServerMsg(t, conn2)

	if msg1.Language == nil {
		t.Fatalf("Client 1 expected Language message, got %+v", msg1)
	}
	if msg2.Language == nil {
		t.Fatalf("Client 2 expected Language message, got %+v", msg2)
	}
	if msg1.Language.Language != "javascript" {
		t.Errorf("Expected language 'javascript', got '%s'", msg1.Language.Language)
	}
}

func TestOTPProtection(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	docID := "protected-doc"

	conn1 := connectWebSocket(t, ts, docID, "")
	msg := readServerMsg(t, conn1)
	if msg.Identity == nil || *msg.Identity != 1 {
		t.Fatalf("Expected Identity message with PID 1, got %+v", msg)
	}

	reqBody := `{"user_id": 1, "user_name": "Alice"}`
	resp, err := http.Post(ts.URL+"/api/document/"+docID+"/protect", "application/json", strings.NewReader(reqBody))
	if err != nil {
		t.Fatalf("Failed to protect document: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var protectResp struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&protectResp); err != nil {
		t.Fatalf("Failed to decode protect response: %v", err)
	}
	if protectResp.OTP == "" {
		t.Fatal("Expected non-empty OTP")
	}

	otpMsg := readServerMsg(t, conn1)
	if otpMsg.OTP == nil || otpMsg.OTP.OTP == nil || *otpMsg.OTP.OTP != protectResp.OTP {
		t.Fatalf("Expected OTP broadcast '%s', got %+v", protectResp.OTP, otpMsg.OTP)
	}

	conn1.Close(websocket.StatusNormalClosure, "")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/socket/" + docID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, dialResp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("Expected connection to fail without OTP")
	}
	if dialResp != nil && dialResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", dialResp.StatusCode)
	}

	conn2 := connectWebSocket(t, ts, docID, protectResp.OTP)
	msg2 := readServerMsg(t, conn2)
	if msg2.Identity == nil {
		t.Fatalf("Expected Identity message with correct OTP, got %+v", msg2)
	}
}

func TestUnprotectDocument(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	docID := "unprotect-test"

	conn := connectWebSocket(t, ts, docID, "")
	readServerMsg(t, conn) // Identity

	reqBody := `{"user_id": 1, "user_name": "Charlie"}`
	resp, err := http.Post(ts.URL+"/api/document/"+docID+"/protect", "application/json", strings.NewReader(reqBody))
	if err != nil {
		t.Fatalf("Failed to protect document: %v", err)
	}
	defer resp.Body.Close()

	var protectResp struct {
		OTP string `json:"otp"`
	}
	json.NewDecoder(resp.Body).Decode(&protectResp)
	readServerMsg(t, conn) // OTP broadcast

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/document/"+docID+"/protect", strings.NewReader(`{"user_id": 1}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to unprotect document: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.StatusCode)
	}

	otpMsg := readServerMsg(t, conn)
	if otpMsg.OTP == nil || otpMsg.OTP.OTP != nil {
		t.Fatalf("Expected nil OTP broadcast, got %+v", otpMsg.OTP)
	}

	conn.Close(websocket.StatusNormalClosure, "")

	conn2 := connectWebSocket(t, ts, docID, "")
	msg := readServerMsg(t, conn2)
	if msg.Identity == nil {
		t.Fatalf("Expected to connect without OTP after unprotect, got %+v", msg)
	}
}

func TestCursorBroadcast(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn1 := connectWebSocket(t, ts, "cursor-test", "")
	readServerMsg(t, conn1) // Identity

	conn2 := connectWebSocket(t, ts, "cursor-test", "")
	readServerMsg(t, conn2) // Identity

	sendClientMsg(t, conn1, &protocol.ClientEnvelope{
		CursorData: &protocol.CursorData{Cursors: []uint32{5}, Selections: [][2]uint32{{0, 5}}},
	})

	msg1 := readServerMsg(t, conn1)
	msg2 := readServerMsg(t, conn2)

	if msg1.UserCursor == nil {
		t.Fatalf("Client 1 expected UserCursor message, got %+v", msg1)
	}
	if msg2.UserCursor == nil {
		t.Fatalf("Client 2 expected UserCursor message, got %+v", msg2)
	}
	if len(msg1.UserCursor.Data.Cursors) != 1 || msg1.UserCursor.Data.Cursors[0] != 5 {
		t.Errorf("Expected cursor at position 5, got %v", msg1.UserCursor.Data.Cursors)
	}
}

func TestUserInfoBroadcast(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn1 := connectWebSocket(t, ts, "userinfo-test", "")
	readServerMsg(t, conn1) // Identity

	conn2 := connectWebSocket(t, ts, "userinfo-test", "")
	readServerMsg(t, conn2) // Identity

	sendClientMsg(t, conn1, &protocol.ClientEnvelope{ClientInfo: &protocol.UserInfo{Name: "TestUser", Hue: 180}})

	msg1 := readServerMsg(t, conn1)
	msg2 := readServerMsg(t, conn2)

	if msg1.UserInfo == nil || msg1.UserInfo.Info == nil || msg1.UserInfo.Info.Name != "TestUser" {
		t.Errorf("Client 1 expected UserInfo 'TestUser', got %+v", msg1.UserInfo)
	}
	if msg2.UserInfo == nil || msg2.UserInfo.Info == nil || msg2.UserInfo.Info.Name != "TestUser" {
		t.Errorf("Client 2 expected UserInfo 'TestUser', got %+v", msg2.UserInfo)
	}
}

func TestConcurrentEditsConverge(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn1 := connectWebSocket(t, ts, "concurrent-test", "")
	readServerMsg(t, conn1) // Identity (PID 1)

	conn2 := connectWebSocket(t, ts, "concurrent-test", "")
	readServerMsg(t, conn2) // Identity (PID 2)

	sendClientMsg(t, conn1, doMsg(textop.Insert{Position: 0, Text: "hello"}))
	readServerMsg(t, conn1)
	readServerMsg(t, conn2)

	sendClientMsg(t, conn2, doMsg(textop.Insert{Position: 5, Text: " world"}))
	readServerMsg(t, conn1)
	readServerMsg(t, conn2)

	if val, ok := server.state.documents.Load("concurrent-test"); ok {
		text := val.(*Document).Session.Text()
		if text != "hello world" {
			t.Errorf("Expected final text 'hello world', got '%s'", text)
		}
	} else {
		t.Fatal("Document not found in server state")
	}
}

func TestStatsEndpoint(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn := connectWebSocket(t, ts, "stats-test", "")
	readServerMsg(t, conn) // Identity

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.NumDocuments != 1 {
		t.Errorf("Expected 1 active document, got %d", stats.NumDocuments)
	}
	if stats.StartTime == 0 {
		t.Error("Expected non-zero start time")
	}
}

func TestTextEndpoint(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn := connectWebSocket(t, ts, "text-test", "")
	readServerMsg(t, conn) // Identity

	sendClientMsg(t, conn, doMsg(textop.Insert{Position: 0, Text: "abc"}))
	readServerMsg(t, conn) // Request broadcast

	resp, err := http.Get(ts.URL + "/api/text/text-test")
	if err != nil {
		t.Fatalf("Failed to get text: %v", err)
	}
	defer resp.Body.Close()

	var buf strings.Builder
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if buf.String() != "abc" {
		t.Errorf("Expected text 'abc', got %q", buf.String())
	}
}

func TestServerWithoutDatabase(t *testing.T) {
	server := testServerNoDb(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn := connectWebSocket(t, ts, "no-db-test", "")
	msg := readServerMsg(t, conn)
	if msg.Identity == nil {
		t.Fatalf("Expected Identity message, got %+v", msg)
	}

	sendClientMsg(t, conn, doMsg(textop.Insert{Position: 0, Text: "test"}))

	reqMsg := readServerMsg(t, conn)
	if reqMsg.Request == nil {
		t.Fatalf("Expected Request message, got %+v", reqMsg)
	}

	resp, err := http.Post(ts.URL+"/api/document/no-db-test/protect", "application/json", strings.NewReader(`{"user_id":1}`))
	if err != nil {
		t.Fatalf("Failed to call protect endpoint: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 without database, got %d", resp.StatusCode)
	}
}

func TestInvalidDocumentID(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/socket/"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("Expected connection to fail with empty document ID")
	}
	if resp != nil && resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestUndoRedoAvailability(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	conn := connectWebSocket(t, ts, "undo-test", "")
	readServerMsg(t, conn) // Identity

	sendClientMsg(t, conn, doMsg(textop.Insert{Position: 0, Text: "x"}))
	readServerMsg(t, conn) // Request broadcast

	canUndo := readServerMsg(t, conn)
	if canUndo.CanUndo == nil || !canUndo.CanUndo.Can {
		t.Fatalf("Expected CanUndo=true after an edit, got %+v", canUndo)
	}

	sendClientMsg(t, conn, &protocol.ClientEnvelope{Undo: &struct{}{}})
	readServerMsg(t, conn) // Request broadcast for the undo

	canUndoAfter := readServerMsg(t, conn)
	if canUndoAfter.CanUndo == nil || canUndoAfter.CanUndo.Can {
		t.Fatalf("Expected CanUndo=false after undoing the only edit, got %+v", canUndoAfter)
	}

	canRedo := readServerMsg(t, conn)
	if canRedo.CanRedo == nil || !canRedo.CanRedo.Can {
		t.Fatalf("Expected CanRedo=true after an undo, got %+v", canRedo)
	}
}
