package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/satu/trellm/internal/config"
	"github.com/satu/trellm/internal/errors"
	"github.com/satu/trellm/internal/logging"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.TrelloConfig{
		APIKey:     "test-key",
		APIToken:   "test-token",
		BoardID:    "board-1",
		TodoListID: "todo-1",
	}
	return NewClient(cfg, logging.NopLogger(), WithBaseURL(srv.URL))
}

func TestListCardsPreservesOrderAndAuth(t *testing.T) {
	var gotKey, gotToken string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lists/todo-1/cards" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotKey = r.URL.Query().Get("key")
		gotToken = r.URL.Query().Get("token")
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": "c1", "name": "proj first", "desc": "d1", "url": "u1", "dateLastActivity": "2026-01-08T12:00:00.000Z"},
			{"id": "c2", "name": "proj second", "desc": "d2", "url": "u2", "dateLastActivity": "2026-01-08T13:00:00.000Z"},
			{"id": "c3", "name": "other third", "desc": "", "url": "u3", "dateLastActivity": ""},
		})
	}))

	cards, err := client.ListCards(context.Background())
	if err != nil {
		t.Fatalf("ListCards: %v", err)
	}

	if gotKey != "test-key" || gotToken != "test-token" {
		t.Errorf("auth params = %q/%q", gotKey, gotToken)
	}
	if len(cards) != 3 {
		t.Fatalf("got %d cards", len(cards))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if cards[i].ID != want {
			t.Errorf("cards[%d].ID = %s, want %s", i, cards[i].ID, want)
		}
	}
	wantTS := time.Date(2026, 1, 8, 12, 0, 0, 0, time.UTC)
	if !cards[0].LastActivity.Equal(wantTS) {
		t.Errorf("LastActivity = %s, want %s", cards[0].LastActivity, wantTS)
	}
	if !cards[2].LastActivity.IsZero() {
		t.Errorf("missing activity should be zero time, got %s", cards[2].LastActivity)
	}
}

func TestListCardsServerErrorIsSourceUnavailable(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.ListCards(context.Background())
	if !errors.Is(err, errors.ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestListCardsThrottlingCarriesHint(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.ListCards(context.Background())
	var rle *errors.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rle.Reset != 42*time.Second {
		t.Errorf("Reset = %s, want 42s", rle.Reset)
	}
	if rle.Source != "tracker" {
		t.Errorf("Source = %q", rle.Source)
	}
}

func TestAddComment(t *testing.T) {
	var gotText string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/cards/c1/actions/comments" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		gotText = r.URL.Query().Get("text")
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.AddComment(context.Background(), "c1", "Claude: done"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if gotText != "Claude: done" {
		t.Errorf("text = %q", gotText)
	}
}

func TestMoveCardDiscoversReadyList(t *testing.T) {
	var movedTo string
	listCalls := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/boards/board-1/lists":
			listCalls++
			_ = json.NewEncoder(w).Encode([]map[string]string{
				{"id": "l-todo", "name": "TODO"},
				{"id": "l-ready", "name": "READY TO TRY"},
			})
		case r.URL.Path == "/cards/c1" && r.Method == http.MethodPut:
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			movedTo = body["idList"]
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))

	if err := client.MoveCard(context.Background(), "c1"); err != nil {
		t.Fatalf("MoveCard: %v", err)
	}
	if movedTo != "l-ready" {
		t.Errorf("moved to %q, want l-ready", movedTo)
	}

	// Discovery result is cached across moves.
	if err := client.MoveCard(context.Background(), "c1"); err != nil {
		t.Fatalf("second MoveCard: %v", err)
	}
	if listCalls != 1 {
		t.Errorf("board lists fetched %d times, want 1", listCalls)
	}
}

func TestMoveCardToDoneBoard(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/c1" || r.Method != http.MethodPut {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.TrelloConfig{
		APIKey:      "k",
		APIToken:    "t",
		DoneBoardID: "board-done",
		DoneListID:  "list-done",
	}
	client := NewClient(cfg, logging.NopLogger(), WithBaseURL(srv.URL))

	if err := client.MoveCard(context.Background(), "c1"); err != nil {
		t.Fatalf("MoveCard: %v", err)
	}
	if gotBody["idList"] != "list-done" || gotBody["idBoard"] != "board-done" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestFindCardByName(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": "c1", "name": "Maintenance: proj", "desc": "", "url": "u1", "dateLastActivity": ""},
		})
	}))

	card, err := client.FindCardByName(context.Background(), "icebox-1", "maintenance: PROJ")
	if err != nil {
		t.Fatalf("FindCardByName: %v", err)
	}
	if card.ID != "c1" {
		t.Errorf("ID = %s", card.ID)
	}

	_, err = client.FindCardByName(context.Background(), "icebox-1", "missing")
	if !errors.Is(err, errors.ErrCardNotFound) {
		t.Errorf("err = %v, want ErrCardNotFound", err)
	}
}

func TestCreateCard(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":   "new-1",
			"name": q.Get("name"),
			"desc": q.Get("desc"),
			"url":  "https://trello.com/c/new-1",
		})
	}))

	card, err := client.CreateCard(context.Background(), "icebox-1", "Maintenance: proj", "findings")
	if err != nil {
		t.Fatalf("CreateCard: %v", err)
	}
	if card.ID != "new-1" || card.Name != "Maintenance: proj" {
		t.Errorf("card = %+v", card)
	}
}
