package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", Token: "tok"}, nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestListMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" || r.URL.Query().Get("page") != "2" || r.URL.Query().Get("limit") != "20" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"messages": []map[string]any{
				{"id": "m1", "conversationId": "c1", "fromId": "p", "toId": "me", "content": "hi", "createdAt": "2026-03-01T10:00:00Z"},
			},
			"page":       2,
			"totalPages": 3,
		})
	})
	c := newTestClient(t, mux)

	page, err := c.ListMessages(context.Background(), "c1", 2, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.Messages[0].SenderID != "p" {
		t.Fatalf("messages = %+v", page.Messages)
	}
	if !page.Messages[0].CreatedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("createdAt = %s", page.Messages[0].CreatedAt)
	}
	if !page.HasMore() {
		t.Error("HasMore() = false on page 2 of 3")
	}
}

func TestFindConversationNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/find", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("userA") == "me" && r.URL.Query().Get("userB") == "p1" {
			writeJSON(w, chat.Conversation{ID: "c1", Participants: [2]string{"me", "p1"}})
			return
		}
		http.NotFound(w, r)
	})
	c := newTestClient(t, mux)

	conv, err := c.FindConversation(context.Background(), "me", "p1")
	if err != nil || conv == nil || conv.ID != "c1" {
		t.Fatalf("FindConversation(p1) = %+v, %v", conv, err)
	}
	conv, err = c.FindConversation(context.Background(), "me", "p2")
	if err != nil || conv != nil {
		t.Errorf("FindConversation(p2) = %+v, %v, want nil, nil", conv, err)
	}
}

func TestSendMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, chat.Message{
			ID:             "M3",
			ConversationID: req.ConversationID,
			SenderID:       req.FromID,
			RecipientID:    req.ToID,
			Content:        req.Content,
			CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		})
	})
	c := newTestClient(t, mux)

	m, err := c.SendMessage(context.Background(), SendRequest{ConversationID: "c1", FromID: "me", ToID: "p", Content: "hello", CorrelationID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "M3" || m.Content != "hello" || m.SenderID != "me" {
		t.Errorf("message = %+v", m)
	}
}

func TestConversationEndpoints(t *testing.T) {
	deleted := ""
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ParticipantIDs [2]string `json:"participantIds"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, chat.Conversation{ID: "new", Participants: body.ParticipantIDs})
	})
	mux.HandleFunc("GET /conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"conversations": []chat.Conversation{{ID: "c1", UnreadCount: 2}}})
	})
	mux.HandleFunc("DELETE /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("id")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]int{"unreadCount": 1})
	})
	mux.HandleFunc("GET /messages/unread-count", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]int{"count": 7})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, [2]string{"me", "p"}, "")
	if err != nil || conv.ID != "new" || conv.Participants[1] != "p" {
		t.Fatalf("CreateConversation() = %+v, %v", conv, err)
	}
	list, err := c.ListConversations(ctx)
	if err != nil || len(list) != 1 || list[0].UnreadCount != 2 {
		t.Fatalf("ListConversations() = %+v, %v", list, err)
	}
	if err := c.DeleteConversation(ctx, "c1"); err != nil || deleted != "c1" {
		t.Fatalf("DeleteConversation() = %v, deleted %q", err, deleted)
	}
	if n, err := c.MarkConversationRead(ctx, "c1"); err != nil || n != 1 {
		t.Fatalf("MarkConversationRead() = %d, %v", n, err)
	}
	if n, err := c.UnreadCount(ctx); err != nil || n != 7 {
		t.Fatalf("UnreadCount() = %d, %v", n, err)
	}
}

func TestStatusError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	_, err := c.ListConversations(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusInternalServerError || se.Body != "boom" {
		t.Errorf("StatusError = %+v", se)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("500 matched ErrNotFound")
	}

	unauth := NewClient(Config{BaseURL: c.baseURL}, nil)
	if _, err := unauth.UnreadCount(context.Background()); !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token error = %v, want 401", err)
	}
}
