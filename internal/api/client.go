package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"teleconsult/native/internal/domain"

	"github.com/golang/glog"
)

const ticketPath = "/api/tickets"

type errorResponse struct {
	Error string `json:"error"`
}

// Client fetches relay tickets from the relay's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an API client for the relay at baseURL, e.g. http://localhost:8080.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchTicket asks the relay for credentials and ICE servers for one room.
func (c *Client) FetchTicket(ctx context.Context, req domain.TicketRequest) (*domain.Ticket, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ticketPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("API error (http %d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var ticket domain.Ticket
	if err := json.Unmarshal(respBody, &ticket); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	glog.V(1).Infof("[api] ticket for room %s expires %s", ticket.RoomID, ticket.ExpiresAt.Format(time.RFC3339))
	return &ticket, nil
}

// SignalURL derives the websocket URL for a ticket's signal path.
func (c *Client) SignalURL(t *domain.Ticket) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	path := t.SignalPath
	if path == "" {
		path = "/ws"
	}
	return base + path
}
