package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sprintboard-backend/internal/subscription"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer; heartbeat
	// replies keep the deadline fresh
	readWait = 60 * time.Second

	// Phoenix heartbeat period (must be less than readWait)
	heartbeatPeriod = 25 * time.Second

	// Maximum message size allowed from the feed
	maxMessageSize = 512 * 1024 // 512KB
)

// FeedClient implements subscription.Feed over the Supabase realtime
// websocket. One Open call produces one websocket connection joined to one
// table topic.
type FeedClient struct {
	wsURL  string
	apiKey string
	logger *zap.Logger
	dialer *websocket.Dialer
}

// NewFeedClient creates a feed client for the given project URL and key.
func NewFeedClient(projectURL, apiKey string, logger *zap.Logger) (*FeedClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	parsed, err := url.Parse(projectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid project url: %w", err)
	}
	scheme := "wss"
	if parsed.Scheme == "http" {
		scheme = "ws"
	}
	wsURL := fmt.Sprintf("%s://%s/realtime/v1/websocket?apikey=%s&vsn=1.0.0", scheme, parsed.Host, url.QueryEscape(apiKey))

	return &FeedClient{
		wsURL:  wsURL,
		apiKey: apiKey,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}, nil
}

// realtimeMessage is the Phoenix channel envelope used by the feed.
type realtimeMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// changePayload is the postgres change notification inside an envelope.
type changePayload struct {
	Type   string         `json:"type"`
	Table  string         `json:"table"`
	Record map[string]any `json:"record"`
	OldRec map[string]any `json:"old_record"`
}

// feedConn is one live joined connection.
type feedConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Open dials the realtime endpoint, joins the topic for collection (plus an
// optional row filter) and starts the read and heartbeat pumps. Transport
// failures after a successful join are reported through onError exactly
// once; the subscription manager owns the reconnect policy.
func (f *FeedClient) Open(ctx context.Context, collection, filter string, onEvent func(subscription.ChangeEvent), onError func(error)) (io.Closer, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime feed: %w", err)
	}

	topic := "realtime:public:" + collection
	if filter != "" {
		topic += ":" + filter
	}

	join := realtimeMessage{
		Topic:   topic,
		Event:   "phx_join",
		Payload: json.RawMessage(`{}`),
		Ref:     "1",
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join topic %s: %w", topic, err)
	}

	fc := &feedConn{
		conn: conn,
		logger: f.logger.With(
			zap.String("topic", topic),
		),
		done: make(chan struct{}),
	}

	go fc.readPump(collection, onEvent, onError)
	go fc.heartbeatPump()

	return fc, nil
}

// Close terminates the connection and both pumps. Safe to call more than
// once; a Close initiated locally suppresses the onError report.
func (c *feedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.conn.Close()
	})
	return err
}

// readPump decodes feed envelopes into change events until the transport
// fails or the connection is closed.
func (c *feedConn) readPump(collection string, onEvent func(subscription.ChangeEvent), onError func(error)) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Local close, not a transport failure.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("feed read error", zap.Error(err))
				}
				if onError != nil {
					onError(err)
				}
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		var msg realtimeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("discarding malformed feed message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "phx_reply", "heartbeat":
			continue
		case "INSERT", "UPDATE", "DELETE", "postgres_changes":
			event, ok := decodeChange(collection, msg)
			if !ok {
				continue
			}
			if onEvent != nil {
				onEvent(event)
			}
		default:
			c.logger.Debug("ignoring feed event", zap.String("event", msg.Event))
		}
	}
}

// heartbeatPump keeps the Phoenix channel alive.
func (c *feedConn) heartbeatPump() {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	heartbeat := realtimeMessage{
		Topic:   "phoenix",
		Event:   "heartbeat",
		Payload: json.RawMessage(`{}`),
	}

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(heartbeat); err != nil {
				// The read pump observes the broken transport and
				// reports it; the heartbeat just stops.
				c.logger.Debug("heartbeat write failed", zap.Error(err))
				return
			}
		}
	}
}

// decodeChange converts a feed envelope into the transport-agnostic change
// event.
func decodeChange(collection string, msg realtimeMessage) (subscription.ChangeEvent, bool) {
	var payload changePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return subscription.ChangeEvent{}, false
	}

	changeType := payload.Type
	if changeType == "" {
		changeType = msg.Event
	}
	changeType = strings.ToUpper(changeType)

	record := payload.Record
	if changeType == "DELETE" && len(payload.OldRec) > 0 {
		record = payload.OldRec
	}

	entityID := ""
	if id, ok := record["id"]; ok {
		entityID = fmt.Sprint(id)
	}

	return subscription.ChangeEvent{
		ChangeType: subscription.ChangeType(changeType),
		EntityID:   entityID,
		Collection: collection,
		Payload:    msg.Payload,
	}, true
}
