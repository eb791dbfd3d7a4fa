package talkweave

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// REST client
// ============================================================================

func restServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return NewClient("tok-1", WithBaseURL(srv.URL))
}

func writeResult(w http.ResponseWriter, v any) {
	data, _ := json.Marshal(v)
	json.NewEncoder(w).Encode(APIResult{OK: true, Data: data})
}

func TestClientRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("register decodes the data envelope", func(t *testing.T) {
		client := restServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "POST", r.Method)
			require.Equal(t, "/api/account/register", r.URL.Path)
			require.Empty(t, r.Header.Get("Authorization"), "anonymous registration carries no token")

			var opts RegisterOptions
			require.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
			require.Equal(t, "alice", opts.Username)

			writeResult(w, RegisterData{UserID: "user-1", Username: "alice", Token: "tok-new", IsNew: true})
		})
		client.SetToken("")

		reg, err := client.Account.Register(ctx, &RegisterOptions{Username: "alice"})
		require.NoError(t, err)
		require.Equal(t, "user-1", reg.UserID)
		require.True(t, reg.IsNew)
	})

	t.Run("bearer token and query parameters", func(t *testing.T) {
		client := restServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			require.Equal(t, "c-9", r.URL.Query().Get("cursor"))
			require.Equal(t, "25", r.URL.Query().Get("limit"))
			writeResult(w, HistoryPage{Messages: []*Message{{ID: "msg-1"}}, HasMore: true, Cursor: "c-10"})
		})

		page, err := client.Messages.History(ctx, "conv-1", "c-9", 25)
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		require.True(t, page.HasMore)
	})

	t.Run("server rejection surfaces as APIError", func(t *testing.T) {
		client := restServer(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(APIResult{OK: false, Error: &APIError{Code: CodeNotFound, Message: "no such conversation"}})
		})

		_, err := client.Conversations.Get(ctx, "conv-x")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, CodeNotFound, apiErr.Code)
	})

	t.Run("GetConversation satisfies the engine lookup", func(t *testing.T) {
		client := restServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/conversations/conv-1", r.URL.Path)
			writeResult(w, Conversation{ID: "conv-1", Kind: KindPrivate})
		})

		var fetcher conversationFetcher = client
		conv, err := fetcher.GetConversation(ctx, "conv-1")
		require.NoError(t, err)
		require.Equal(t, KindPrivate, conv.Kind)
	})
}
