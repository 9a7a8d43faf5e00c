package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the gateway rejected the notify token.
var ErrUnauthorized = errors.New("notify unauthorized")

// ErrRejected indicates the gateway refused the notice payload.
var ErrRejected = errors.New("notify rejected")

// Member is a teammate listed in a notice.
type Member struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TeamNotice tells every member of a team who they are playing with.
type TeamNotice struct {
	TeamID  int64     `json:"team_id"`
	Color   string    `json:"color"`
	Members []Member  `json:"members"`
	SentAt  time.Time `json:"sent_at"`
}

// Recipients returns the member ids a notice is addressed to.
func (n TeamNotice) Recipients() []int64 {
	ids := make([]int64, 0, len(n.Members))
	for _, m := range n.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// Text renders the chat message for a notice.
func (n TeamNotice) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your team is ready!\n\nTeam: %d\nColor: %s\n\nMembers:\n", n.TeamID, n.Color)
	for _, m := range n.Members {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			name = fmt.Sprintf("ID%d", m.ID)
		}
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return b.String()
}

// Webhook posts team notices to the chat gateway.
type Webhook struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// NewWebhook creates a notifier posting to url. token is sent as
// X-Notify-Token when set.
func NewWebhook(url, token string, client *http.Client) (*Webhook, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("notify webhook url required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return nil, fmt.Errorf("notify webhook url must be http(s): %q", trimmed)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Webhook{
		url:    trimmed,
		token:  strings.TrimSpace(token),
		client: client,
		now:    time.Now,
	}, nil
}

// NotifyTeam delivers one notice.
func (w *Webhook) NotifyTeam(ctx context.Context, notice TeamNotice) error {
	if w == nil {
		return errors.New("notify webhook not initialised")
	}
	if len(notice.Members) == 0 {
		return nil
	}
	if notice.SentAt.IsZero() {
		notice.SentAt = w.now().UTC()
	}
	body, err := json.Marshal(struct {
		TeamNotice
		Recipients []int64 `json:"recipients"`
		Text       string  `json:"text"`
	}{notice, notice.Recipients(), notice.Text()})
	if err != nil {
		return fmt.Errorf("marshal team notice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("X-Notify-Token", w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notify request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	default:
		return fmt.Errorf("notify request failed: %s", summary)
	}
}
