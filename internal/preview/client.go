// Package preview pushes generated clips to a running avatar over WebSocket.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/clip"
	"github.com/normanking/cortexlipsync/internal/curve"
)

// ClipPath is the avatar endpoint receiving clips.
const ClipPath = "/api/v1/avatar/clip/ws"

var ErrRejected = errors.New("clip rejected by avatar")

// WSClipMessage carries a clip to the avatar
type WSClipMessage struct {
	Type       string                      `json:"type"`
	ID         string                      `json:"id"`
	Name       string                      `json:"name"`
	TargetPath string                      `json:"target_path"`
	MaxWeight  float64                     `json:"max_weight"`
	Duration   float64                     `json:"duration"`
	Curves     map[string][]curve.Keyframe `json:"curves"`
	Timestamp  string                      `json:"timestamp,omitempty"`
}

// WSReplyMessage is an ack or error from the avatar
type WSReplyMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

// Client keeps one connection to the avatar and redials after failures
type Client struct {
	baseURL string
	timeout time.Duration
	logger  zerolog.Logger
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a preview client for the avatar at baseURL
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		logger:  logger.With().Str("component", "preview").Logger(),
		dialer:  websocket.DefaultDialer,
	}
}

// Endpoint converts the base URL to the clip WebSocket URL
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = ClipPath
	return u.String(), nil
}

// Connect dials the avatar if not already connected
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	endpoint, err := c.Endpoint()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug().Str("url", endpoint).Msg("Connecting to avatar")
	conn, _, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	c.logger.Info().Str("url", endpoint).Msg("Connected to avatar")
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Push sends the clip and waits for the avatar's acknowledgement. A failed
// exchange drops the connection so the next push redials.
func (c *Client) Push(ctx context.Context, cl *clip.Clip) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return "", err
	}

	id := cl.ID
	if id == "" {
		id = uuid.New().String()
	}

	msg := WSClipMessage{
		Type:       "clip",
		ID:         id,
		Name:       cl.Name,
		TargetPath: cl.TargetPath,
		MaxWeight:  cl.MaxWeight,
		Duration:   cl.Duration(),
		Curves:     make(map[string][]curve.Keyframe, len(cl.Curves)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for name, cv := range cl.Curves {
		msg.Curves[name] = cv.Keys
	}

	if err := c.exchange(ctx, msg); err != nil {
		c.conn.Close()
		c.conn = nil
		return id, err
	}

	c.logger.Info().Str("id", id).Str("clip", cl.Name).Msg("Clip pushed")
	return id, nil
}

func (c *Client) exchange(ctx context.Context, msg WSClipMessage) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write clip: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var reply WSReplyMessage
		if err := json.Unmarshal(raw, &reply); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring malformed message")
			continue
		}

		switch reply.Type {
		case "ack":
			if reply.ID == msg.ID {
				return nil
			}
		case "error":
			if reply.ID == "" || reply.ID == msg.ID {
				return fmt.Errorf("%w: %s", ErrRejected, reply.Message)
			}
		default:
			c.logger.Debug().Str("type", reply.Type).Msg("Ignoring message")
		}
	}
}
