package tui

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// FeedEvent is one event received from the daemon's /ws stream.
type FeedEvent struct {
	Topic    string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Received time.Time       `json:"-"`
}

// Feed streams bus events from the daemon. It reconnects with backoff
// until the context is cancelled.
type Feed struct {
	url    string
	events chan FeedEvent
	status chan bool
}

// NewFeed creates a feed for the daemon at baseURL.
func NewFeed(baseURL string) *Feed {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	default:
		u = "ws://" + u
	}
	return &Feed{
		url:    u + "/ws",
		events: make(chan FeedEvent, 64),
		status: make(chan bool, 1),
	}
}

// Run dials and reads until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := f.readOnce(ctx)
		f.setStatus(false)
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *Feed) readOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	f.setStatus(true)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev FeedEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ev.Received = time.Now()
		select {
		case f.events <- ev:
		default:
			// drop when the UI falls behind; the next refresh catches up
		}
	}
}

func (f *Feed) setStatus(up bool) {
	select {
	case <-f.status:
	default:
	}
	f.status <- up
}

type feedEventMsg FeedEvent

type feedStatusMsg bool

// wait returns a command that blocks for the next feed message.
func (f *Feed) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-f.events:
			return feedEventMsg(ev)
		case up := <-f.status:
			return feedStatusMsg(up)
		}
	}
}
