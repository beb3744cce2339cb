package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/satu/trellm/internal/config"
	"github.com/satu/trellm/internal/errors"
	"github.com/satu/trellm/internal/logging"
)

const (
	// defaultBaseURL is the Trello REST API endpoint.
	defaultBaseURL = "https://api.trello.com/1"

	// readyListName is matched when no ready list id is configured.
	readyListName = "READY TO TRY"

	// requestTimeout bounds a single API call.
	requestTimeout = 30 * time.Second
)

// Client talks to the Trello REST API.
type Client struct {
	cfg        config.TrelloConfig
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger

	// readyListID caches the discovered ready list. The orchestrator drives
	// the client from a single goroutine, matching the single-writer model.
	readyListID string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API endpoint. For tests.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) { c.baseURL = base }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Trello client from configuration.
func NewClient(cfg config.TrelloConfig, logger *logging.Logger, opts ...ClientOption) *Client {
	c := &Client{
		cfg:         cfg,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: requestTimeout},
		logger:      logger,
		readyListID: cfg.ReadyListID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// cardJSON is the wire shape of a Trello card.
type cardJSON struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Desc         string `json:"desc"`
	URL          string `json:"url"`
	LastActivity string `json:"dateLastActivity"`
}

func (c cardJSON) toCard() Card {
	// Trello stamps activity as RFC3339 with milliseconds. An unparsable
	// stamp degrades to the zero time, which never triggers reprocessing.
	ts, _ := time.Parse(time.RFC3339, c.LastActivity)
	return Card{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Desc,
		URL:          c.URL,
		LastActivity: ts,
	}
}

// request performs an authenticated API call and decodes the response into
// out when non-nil. Failures are mapped onto the dispatch error taxonomy.
func (c *Client) request(ctx context.Context, op, method, path string, params url.Values, body any, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.cfg.APIKey)
	params.Set("token", c.cfg.APIToken)

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+params.Encode(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.NewTrackerError(op, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &errors.RateLimitError{
			Source: "tracker",
			Reset:  retryAfter(resp),
		}
	}
	if resp.StatusCode >= 400 {
		return errors.NewTrackerError(op, resp.StatusCode, nil)
	}

	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.NewTrackerError(op, 0, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return errors.NewTrackerError(op, 0, err)
		}
	}
	return nil
}

// retryAfter extracts the upstream's delay hint, when present.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// ListCards returns all cards in the TODO list in the remote's native order.
// The call is side-effect free on the remote resource.
func (c *Client) ListCards(ctx context.Context) ([]Card, error) {
	var raw []cardJSON
	if err := c.request(ctx, "list cards", http.MethodGet, "/lists/"+c.cfg.TodoListID+"/cards", nil, nil, &raw); err != nil {
		return nil, err
	}

	cards := make([]Card, 0, len(raw))
	for _, r := range raw {
		cards = append(cards, r.toCard())
	}
	return cards, nil
}

// AddComment posts a comment on a card.
func (c *Client) AddComment(ctx context.Context, cardID, text string) error {
	params := url.Values{}
	params.Set("text", text)
	err := c.request(ctx, "add comment", http.MethodPost, "/cards/"+cardID+"/actions/comments", params, nil, nil)
	if err != nil {
		return err
	}
	c.logger.Debug("added comment", "card_id", cardID)
	return nil
}

// MoveCard moves a card to the completion destination. When a done board and
// list are configured the card leaves the board; otherwise it goes to the
// ready list, discovered by name on first use if its id is not configured.
func (c *Client) MoveCard(ctx context.Context, cardID string) error {
	if c.cfg.DoneBoardID != "" && c.cfg.DoneListID != "" {
		err := c.request(ctx, "move card", http.MethodPut, "/cards/"+cardID, nil, map[string]string{
			"idList":  c.cfg.DoneListID,
			"idBoard": c.cfg.DoneBoardID,
		}, nil)
		if err != nil {
			return err
		}
		c.logger.Info("moved card to done board", "card_id", cardID, "list_id", c.cfg.DoneListID)
		return nil
	}

	if c.readyListID == "" {
		id, err := c.findListByName(ctx, readyListName)
		if err != nil {
			return err
		}
		c.readyListID = id
	}

	err := c.request(ctx, "move card", http.MethodPut, "/cards/"+cardID, nil, map[string]string{
		"idList": c.readyListID,
	}, nil)
	if err != nil {
		return err
	}
	c.logger.Info("moved card to ready list", "card_id", cardID)
	return nil
}

// findListByName resolves a list id on the configured board.
func (c *Client) findListByName(ctx context.Context, name string) (string, error) {
	var lists []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.request(ctx, "list board lists", http.MethodGet, "/boards/"+c.cfg.BoardID+"/lists", nil, nil, &lists); err != nil {
		return "", err
	}
	for _, l := range lists {
		if strings.EqualFold(l.Name, name) {
			return l.ID, nil
		}
	}
	return "", fmt.Errorf("list %q not found on board %s: %w", name, c.cfg.BoardID, errors.ErrCardNotFound)
}

// CreateCard creates a card in the given list.
func (c *Client) CreateCard(ctx context.Context, listID, name, description string) (Card, error) {
	params := url.Values{}
	params.Set("idList", listID)
	params.Set("name", name)
	params.Set("desc", description)

	var raw cardJSON
	if err := c.request(ctx, "create card", http.MethodPost, "/cards", params, nil, &raw); err != nil {
		return Card{}, err
	}
	c.logger.Info("created card", "name", name, "list_id", listID)
	return raw.toCard(), nil
}

// FindCardByName finds a card by exact name (case-insensitive) in a list.
// Returns ErrCardNotFound when no card matches.
func (c *Client) FindCardByName(ctx context.Context, listID, name string) (Card, error) {
	var raw []cardJSON
	if err := c.request(ctx, "find card", http.MethodGet, "/lists/"+listID+"/cards", nil, nil, &raw); err != nil {
		return Card{}, err
	}
	for _, r := range raw {
		if strings.EqualFold(r.Name, name) {
			return r.toCard(), nil
		}
	}
	return Card{}, errors.ErrCardNotFound
}

// UpdateCardDescription replaces a card's description.
func (c *Client) UpdateCardDescription(ctx context.Context, cardID, description string) error {
	err := c.request(ctx, "update card", http.MethodPut, "/cards/"+cardID, nil, map[string]string{
		"desc": description,
	}, nil)
	if err != nil {
		return err
	}
	c.logger.Debug("updated card description", "card_id", cardID)
	return nil
}
