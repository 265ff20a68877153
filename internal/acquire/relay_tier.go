package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/relay"
)

// RelayTierName identifies the stream-relay tier in attempt logs.
const RelayTierName = "relay"

type subscribeMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// RelayTier reads the response from the local intercepting relay while the
// prompt is submitted through the page.
type RelayTier struct {
	URL      string
	Timeouts Timeouts
	Dialer   *websocket.Dialer
	logger   *slog.Logger
}

// NewRelayTier creates a relay tier subscribing to the feed at url.
func NewRelayTier(url string, t Timeouts) *RelayTier {
	return &RelayTier{
		URL:      url,
		Timeouts: t,
		Dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   slog.Default().With("component", "acquire.relay"),
	}
}

// Name implements Tier.
func (t *RelayTier) Name() string { return RelayTierName }

// Check dials the feed and closes it again.
func (t *RelayTier) Check(ctx context.Context) error {
	if t.URL == "" {
		return errNotConfigured
	}
	conn, _, err := t.Dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		return err
	}
	closeConn(conn)
	return nil
}

// Attempt implements Tier. The feed subscription is opened before the prompt
// is submitted so no frame is missed.
func (t *RelayTier) Attempt(ctx context.Context, sess *browser.Session, req *Request, emit Emit) error {
	if t.URL == "" {
		return unavailable(RelayTierName, errNotConfigured)
	}
	log := t.logger.With("req_id", req.ID)

	conn, _, err := t.Dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		return unavailable(RelayTierName, fmt.Errorf("dial relay: %w", err))
	}
	defer closeConn(conn)

	token := uuid.NewString()
	if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", Token: token}); err != nil {
		return unavailable(RelayTierName, fmt.Errorf("subscribe: %w", err))
	}

	frames := make(chan frame, 64)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case frames <- frame{err: err}:
				case <-stop:
				}
				return
			}
			select {
			case frames <- frame{data: data}:
			case <-stop:
				return
			}
		}
	}()

	if req.Model != "" {
		if err := sess.SwitchModel(ctx, req.Model); err != nil {
			return pageError(RelayTierName, err)
		}
	}
	if err := sess.SubmitPrompt(ctx, req.Prompt, req.pageParams(token)); err != nil {
		return pageError(RelayTierName, err)
	}
	log.Debug("relay.submitted", "token", token)

	return pump(ctx, RelayTierName, frames, relay.NewDecoder(token), t.Timeouts, emit, pumpOptions{}, log)
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"), time.Now().Add(250*time.Millisecond))
	_ = conn.Close()
}
