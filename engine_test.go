package talkweave

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Engine over a live channel
// ============================================================================

// newEngineServer serves both the REST conversation lookup and the websocket
// endpoint on one listener.
func newEngineServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{accepted: make(chan *serverConn, 8)}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{c: c, done: make(chan struct{}), received: make(chan wireCommand, 64)}
		sc.send(t, EventAuthenticated, AuthenticatedPayload{UserID: "user-self", Username: "self"})
		s.accepted <- sc
		go func() {
			for {
				_, data, err := c.Read(context.Background())
				if err != nil {
					sc.close()
					return
				}
				var cmd wireCommand
				if json.Unmarshal(data, &cmd) == nil {
					select {
					case sc.received <- cmd:
					default:
					}
				}
			}
		}()
		<-sc.done
	})
	mux.HandleFunc("/api/conversations/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
		conv := Conversation{
			ID:    id,
			Kind:  KindGroup,
			Title: "fetched " + id,
			Members: []Member{
				{UserID: "user-self", Username: "self"},
				{UserID: "user-peer", Username: "peer"},
			},
		}
		data, _ := json.Marshal(conv)
		json.NewEncoder(w).Encode(APIResult{OK: true, Data: data})
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func newTestEngine(t *testing.T, s *wsServer, config *Config) *Engine {
	t.Helper()
	if config == nil {
		config = &Config{}
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = time.Hour
	}
	client := NewClient("tok-1", WithBaseURL(s.srv.URL), WithLogger(zerolog.Nop()))
	engine := NewEngine(client, config)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestEngineLive(t *testing.T) {
	ctx := context.Background()

	t.Run("open conversation joins its room once", func(t *testing.T) {
		s := newEngineServer(t)
		engine := newTestEngine(t, s, nil)

		require.NoError(t, engine.Connect(ctx, testIdentity))
		sc := s.waitConn(t)

		require.NoError(t, engine.OpenConversation(ctx, "conv-1"))
		join := sc.waitReceived(t, CmdJoinRoom)
		var p roomPayload
		require.NoError(t, json.Unmarshal(join.Payload, &p))
		require.Equal(t, "conv-1", p.ConversationID)

		// A second view of the same conversation stays silent.
		require.NoError(t, engine.OpenConversation(ctx, "conv-1"))
		select {
		case cmd := <-sc.received:
			require.NotEqual(t, CmdJoinRoom, cmd.Type, "refcounted join must not repeat")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("joined rooms replay after reconnect", func(t *testing.T) {
		s := newEngineServer(t)
		engine := newTestEngine(t, s, &Config{
			AutoReconnect:        true,
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   10 * time.Millisecond,
			ReconnectMaxDelay:    50 * time.Millisecond,
		})

		require.NoError(t, engine.Connect(ctx, testIdentity))
		sc1 := s.waitConn(t)

		require.NoError(t, engine.OpenConversation(ctx, "conv-1"))
		sc1.waitReceived(t, CmdJoinRoom)

		sc1.close()
		sc2 := s.waitConn(t)
		replay := sc2.waitReceived(t, CmdJoinRoom)
		var p roomPayload
		require.NoError(t, json.Unmarshal(replay.Payload, &p))
		require.Equal(t, "conv-1", p.ConversationID)
	})

	t.Run("send reconciles through the live echo", func(t *testing.T) {
		s := newEngineServer(t)
		engine := newTestEngine(t, s, nil)

		require.NoError(t, engine.Connect(ctx, testIdentity))
		sc := s.waitConn(t)
		require.NoError(t, engine.OpenConversation(ctx, "conv-1"))
		sc.waitReceived(t, CmdJoinRoom)

		reconciled := make(chan *Message, 1)
		engine.On(EngineMessageReconciled, func(_ string, payload any) {
			if m, ok := payload.(*Message); ok {
				select {
				case reconciled <- m:
				default:
				}
			}
		})

		msg, err := engine.SendText(ctx, "conv-1", "hello", "")
		require.NoError(t, err)

		sent := sc.waitReceived(t, CmdSendMessage)
		var sp sendMessagePayload
		require.NoError(t, json.Unmarshal(sent.Payload, &sp))
		require.Equal(t, msg.ProvisionalID, sp.CorrelationToken)

		sc.send(t, EventMessageCreated, MessageCreatedPayload{
			ID: "msg-77", ConversationID: "conv-1", SenderID: "user-self",
			Body: "hello", CorrelationToken: sp.CorrelationToken, CreatedAt: time.Now(),
		})

		select {
		case m := <-reconciled:
			require.Equal(t, "msg-77", m.ID)
			require.Equal(t, MessageSent, m.State)
		case <-time.After(2 * time.Second):
			t.Fatal("no reconciliation within deadline")
		}
		require.Len(t, engine.Messages("conv-1"), 1)
	})

	t.Run("opening marks messages from others as read", func(t *testing.T) {
		s := newEngineServer(t)
		engine := newTestEngine(t, s, nil)

		require.NoError(t, engine.Connect(ctx, Identity{UserID: "user-self", Token: "tok-1"}))
		sc := s.waitConn(t)

		sc.send(t, EventMessageCreated, MessageCreatedPayload{
			ID: "msg-1", ConversationID: "conv-1", SenderID: "user-peer",
			Body: "hi", CreatedAt: time.Now(),
		})
		// The unknown conversation is adopted and joined out of band.
		sc.waitReceived(t, CmdJoinRoom)

		require.NoError(t, engine.OpenConversation(ctx, "conv-1"))
		status := sc.waitReceived(t, CmdUpdateStatus)
		var up updateStatusPayload
		require.NoError(t, json.Unmarshal(status.Payload, &up))
		require.Equal(t, "msg-1", up.MessageID)
		require.Equal(t, StatusRead, up.NewState)

		require.Equal(t, StatusRead, engine.ledger.stateFor("msg-1", "user-self"))
		require.Equal(t, 0, engine.Conversations()[0].UnreadCount)
	})

	t.Run("identity change wipes the previous user's local view", func(t *testing.T) {
		s := newEngineServer(t)
		engine := newTestEngine(t, s, nil)

		require.NoError(t, engine.Connect(ctx, testIdentity))
		sc := s.waitConn(t)
		require.NoError(t, engine.OpenConversation(ctx, "conv-1"))
		sc.waitReceived(t, CmdJoinRoom)

		sc.send(t, EventMessageCreated, MessageCreatedPayload{
			ID: "msg-1", ConversationID: "conv-1", SenderID: "user-peer",
			Body: "for the first user", CreatedAt: time.Now(),
		})
		sc.send(t, EventUserOnline, UserOnlinePayload{UserID: "user-peer"})
		require.Eventually(t, func() bool {
			return len(engine.Messages("conv-1")) == 1 && len(engine.OnlineUsers()) == 1
		}, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, engine.ReadAll(ctx, "conv-1"))
		require.Equal(t, StatusRead, engine.ledger.stateFor("msg-1", "user-self"))

		require.NoError(t, engine.Connect(ctx, Identity{UserID: "user-other", Token: "tok-2"}))
		s.waitConn(t)

		require.Empty(t, engine.Messages("conv-1"), "previous identity's timeline must not survive")
		require.Empty(t, engine.Conversations())
		require.Empty(t, engine.OnlineUsers())
		require.Empty(t, engine.ledger.stateFor("msg-1", "user-self"))
	})

	t.Run("typing keystrokes reach the wire throttled", func(t *testing.T) {
		s := newEngineServer(t)
		engine := newTestEngine(t, s, nil)

		require.NoError(t, engine.Connect(ctx, testIdentity))
		sc := s.waitConn(t)

		engine.Typing("conv-1")
		engine.Typing("conv-1")
		engine.Typing("conv-1")
		sc.waitReceived(t, CmdTypingStart)

		engine.StopTyping("conv-1")
		sc.waitReceived(t, CmdTypingStop)

		starts := 0
		drained := false
		for !drained {
			select {
			case cmd := <-sc.received:
				if cmd.Type == CmdTypingStart {
					starts++
				}
			case <-time.After(50 * time.Millisecond):
				drained = true
			}
		}
		require.Zero(t, starts, "repeat keystrokes inside the throttle window stay local")
	})
}
