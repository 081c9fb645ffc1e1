package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/ashureev/roomchat/internal/protocol"
)

// readLimit bounds a single inbound frame; SetMessages carries the full log.
const readLimit = 16 << 20

// ErrClosed is returned by Run after Close or a normal closure.
var ErrClosed = errors.New("room connection closed")

// Handler receives each server event in arrival order.
type Handler func(protocol.ServerEvent)

// Options configure a room connection.
type Options struct {
	// ParticipantID is sent as _pk.
	ParticipantID string
	// Token is the single-use token, or the service secret for the agent.
	Token string
	// Bearer, if set, is sent as an Authorization header.
	Bearer     string
	HTTPClient *http.Client
}

// Client is a participant connection to a room.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

// RoomURL builds the participant connection URL for roomID under base.
// http(s) schemes are mapped to ws(s).
func RoomURL(base, roomID, participantID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse room base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported room url scheme %q", u.Scheme)
	}
	u.Path += "/party/" + roomID
	q := u.Query()
	q.Set("_pk", participantID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a participant connection to roomID.
func Dial(ctx context.Context, base, roomID string, opts Options) (*Client, error) {
	target, err := RoomURL(base, roomID, opts.ParticipantID, opts.Token)
	if err != nil {
		return nil, err
	}

	dialOpts := &websocket.DialOptions{HTTPClient: opts.HTTPClient}
	if opts.Bearer != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + opts.Bearer}}
	}

	conn, resp, err := websocket.Dial(ctx, target, dialOpts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial room %s: %w", roomID, err)
	}
	conn.SetReadLimit(readLimit)

	return &Client{
		conn:   conn,
		logger: slog.Default().With("room_id", roomID, "participant_id", opts.ParticipantID),
	}, nil
}

// Run reads frames until the connection ends, dispatching each parsed event
// to handle. Frames that fail validation are logged and skipped.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return ErrClosed
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ErrClosed
			}
			return fmt.Errorf("read room frame: %w", err)
		}

		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			c.logger.Warn("Dropping invalid room frame", "error", err)
			continue
		}
		handle(ev)
	}
}

// Send writes one client event.
func (c *Client) Send(ctx context.Context, ev protocol.ClientEvent) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", ev.Kind(), err)
	}
	return nil
}

// Close performs a normal closure of the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "participant left")
}
