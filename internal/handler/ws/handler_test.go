package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/accord/backend/internal/metrics"
	"github.com/zhouzirui/accord/backend/internal/model/chat"
	"github.com/zhouzirui/accord/backend/internal/model/roster"
	"github.com/zhouzirui/accord/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/accord/backend/internal/service/chat"
	"github.com/zhouzirui/accord/backend/internal/service/presence"
	"github.com/zhouzirui/accord/backend/internal/service/relay"
	"github.com/zhouzirui/accord/backend/internal/service/rooms"
)

type received struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type testServer struct {
	url      string
	verifier *auth.JWTVerifier
	presence *presence.Registry
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	users, groups := roster.Seed()
	directory := roster.NewMemoryStore(users, groups)
	registry := presence.NewRegistry()
	subs := rooms.NewSubscriptions()
	logger := zaptest.NewLogger(t)
	verifier := auth.NewJWTVerifier("test-secret")

	r := relay.New(relay.Config{}, relay.Dependencies{
		Store:         chatservice.NewService(),
		Directory:     directory,
		Presence:      registry,
		Subscriptions: subs,
		Logger:        logger,
	})

	handler := NewHandler(cfg, Dependencies{
		Verifier:      verifier,
		Relay:         r,
		Presence:      registry,
		Subscriptions: subs,
		Resolver:      rooms.NewResolver(directory),
		Logger:        logger,
	})

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		_ = r.Shutdown(context.Background())
	})

	return &testServer{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		verifier: verifier,
		presence: registry,
	}
}

func (s *testServer) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := s.verifier.Sign(userID, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	return token
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := s.url
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials as userID and consumes the session.joined frame.
func (s *testServer) connect(t *testing.T, userID int64) (*websocket.Conn, chat.JoinedPayload) {
	t.Helper()
	conn := s.dial(t, "token="+s.token(t, userID))
	msg := readFrame(t, conn)
	require.Equal(t, string(chat.EventJoined), msg.Type)

	var joined chat.JoinedPayload
	require.NoError(t, json.Unmarshal(msg.Data, &joined))
	return conn, joined
}

func readFrame(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(inboundMessage{Type: msgType, Data: raw}))
}

func requireClosedWith(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, code), "unexpected error: %v", err)
}

func TestQueryTokenJoinsGroupRooms(t *testing.T) {
	srv := newTestServer(t, Config{})
	_, joined := srv.connect(t, 1)

	require.Equal(t, int64(1), joined.UserID)
	require.ElementsMatch(t, []chat.RoomKey{chat.GroupRoomKey(1), chat.GroupRoomKey(2)}, joined.Rooms)
	require.Eventually(t, func() bool { return srv.presence.Online(1) }, time.Second, 5*time.Millisecond)
}

func TestAuthenticateFrame(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn := srv.dial(t, "")

	writeFrame(t, conn, typeAuthenticate, authenticatePayload{Token: srv.token(t, 2)})
	msg := readFrame(t, conn)
	require.Equal(t, string(chat.EventJoined), msg.Type)

	var joined chat.JoinedPayload
	require.NoError(t, json.Unmarshal(msg.Data, &joined))
	require.Equal(t, []chat.RoomKey{chat.GroupRoomKey(1)}, joined.Rooms)
}

func TestAuthenticationFailuresCloseTheConnection(t *testing.T) {
	srv := newTestServer(t, Config{AuthTimeout: 50 * time.Millisecond})

	t.Run("bad query token", func(t *testing.T) {
		conn := srv.dial(t, "token=garbage")
		requireClosedWith(t, conn, websocket.ClosePolicyViolation)
	})

	t.Run("bad frame token", func(t *testing.T) {
		conn := srv.dial(t, "")
		writeFrame(t, conn, typeAuthenticate, authenticatePayload{Token: "garbage"})
		requireClosedWith(t, conn, websocket.ClosePolicyViolation)
	})

	t.Run("message before authenticate", func(t *testing.T) {
		conn := srv.dial(t, "")
		writeFrame(t, conn, typeDirectMessage, directMessagePayload{ReceiverID: 2, Body: "hi"})
		requireClosedWith(t, conn, websocket.ClosePolicyViolation)
	})

	t.Run("timeout", func(t *testing.T) {
		conn := srv.dial(t, "")
		requireClosedWith(t, conn, websocket.ClosePolicyViolation)
	})

	require.False(t, srv.presence.Online(2))
}

func TestDirectMessageRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{})
	alice, _ := srv.connect(t, 1)
	bob, _ := srv.connect(t, 2)

	writeFrame(t, alice, typeDirectMessage, directMessagePayload{ReceiverID: 2, Body: "hey @bob"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readFrame(t, conn)
		require.Equal(t, string(chat.EventDelivered), msg.Type)

		var delivered chat.DeliveredPayload
		require.NoError(t, json.Unmarshal(msg.Data, &delivered))
		require.Equal(t, chat.DirectRoomKey(1, 2), delivered.RoomKey)
		require.Equal(t, int64(1), delivered.SenderID)
		require.Equal(t, "Alice", delivered.SenderName)
		require.Equal(t, "hey @bob", delivered.Body)
		require.Equal(t, []chat.Mention{{TargetUserID: 2, RawToken: "bob"}}, delivered.Mentions)
		require.NotZero(t, msg.Timestamp)
	}
}

func TestGroupMessageFromNonMemberIsRejected(t *testing.T) {
	srv := newTestServer(t, Config{})
	bob, _ := srv.connect(t, 2)

	writeFrame(t, bob, typeGroupMessage, groupMessagePayload{GroupID: 2, Body: "hello design"})
	msg := readFrame(t, bob)
	require.Equal(t, string(chat.EventRejected), msg.Type)

	var rejected chat.RejectedPayload
	require.NoError(t, json.Unmarshal(msg.Data, &rejected))
	require.Equal(t, relay.ReasonNotMember, rejected.Reason)
}

func TestSendRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{SendRate: 0.001, SendBurst: 1})
	alice, _ := srv.connect(t, 1)

	writeFrame(t, alice, typeDirectMessage, directMessagePayload{ReceiverID: 2, Body: "one"})
	writeFrame(t, alice, typeDirectMessage, directMessagePayload{ReceiverID: 2, Body: "two"})

	require.Equal(t, string(chat.EventDelivered), readFrame(t, alice).Type)
	msg := readFrame(t, alice)
	require.Equal(t, string(chat.EventRejected), msg.Type)
	require.Contains(t, string(msg.Data), relay.ReasonRateLimited)
}

func TestMalformedFramesGetErrors(t *testing.T) {
	srv := newTestServer(t, Config{})
	alice, _ := srv.connect(t, 1)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.Equal(t, "error", readFrame(t, alice).Type)

	writeFrame(t, alice, "shout", map[string]string{})
	msg := readFrame(t, alice)
	require.Equal(t, "error", msg.Type)
	require.Contains(t, string(msg.Data), "unsupported message type")

	writeFrame(t, alice, typeAuthenticate, authenticatePayload{Token: "again"})
	require.Equal(t, "error", readFrame(t, alice).Type)
}

func TestAnalyzeWithoutHistoryReportsError(t *testing.T) {
	srv := newTestServer(t, Config{})
	alice, _ := srv.connect(t, 1)

	writeFrame(t, alice, typeAnalyzeChat, analyzePayload{ChatID: 2, ChatType: "private"})
	msg := readFrame(t, alice)
	require.Equal(t, string(chat.EventAnalysisFailed), msg.Type)

	var payload chat.AnalysisPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	require.Equal(t, chat.DirectRoomKey(1, 2), payload.RoomKey)
	require.Equal(t, relay.ReasonAnalysisEmpty, payload.Reason)
}

func TestDisconnectDeregistersPresence(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn, _ := srv.connect(t, 4)
	require.Eventually(t, func() bool { return srv.presence.Online(4) }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool { return !srv.presence.Online(4) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ActiveConnections) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestJoinedRoomsMatchSubscriptionSnapshot(t *testing.T) {
	srv := newTestServer(t, Config{})
	_, joined := srv.connect(t, 3)

	require.Equal(t, []chat.RoomKey{chat.GroupRoomKey(1)}, joined.Rooms)
}

func TestAnalyzePayloadRoom(t *testing.T) {
	require.Equal(t, chat.GroupRoomKey(7), analyzePayload{ChatID: 7, ChatType: "group"}.room(1))
	require.Equal(t, chat.DirectRoomKey(1, 9), analyzePayload{ChatID: 9, ChatType: "private"}.room(1))
	require.Equal(t, chat.RoomKey("group:3"), analyzePayload{RoomKey: "group:3", ChatID: 9}.room(1))
}
