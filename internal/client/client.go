// Package client is a small WebSocket client for the relay protocol, used by
// the command-line tools.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"meeting-transcription-relay/internal/models"
)

// Client is one relay connection.
type Client struct {
	ID string

	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the relay and waits for the connected message.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	var hello models.Connected
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read connected: %w", err)
	}
	if hello.Type != models.TypeConnected {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first message %q", hello.Type)
	}
	return &Client{ID: hello.ClientID, conn: conn}, nil
}

func (c *Client) send(msg models.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Start starts a meeting and binds this connection to it.
func (c *Client) Start(meetingID string, participants []string) error {
	return c.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: meetingID, Participants: participants})
}

// Join binds this connection to an active meeting.
func (c *Client) Join(meetingID string) error {
	return c.send(models.ClientMessage{Type: models.TypeJoinMeeting, MeetingID: meetingID})
}

// SendAudio sends one base64-encoded audio chunk.
func (c *Client) SendAudio(meetingID string, chunk []byte) error {
	return c.send(models.ClientMessage{
		Type:      models.TypeAudio,
		MeetingID: meetingID,
		AudioData: base64.StdEncoding.EncodeToString(chunk),
	})
}

// End ends the meeting.
func (c *Client) End(meetingID string) error {
	return c.send(models.ClientMessage{Type: models.TypeEndMeeting, MeetingID: meetingID})
}

// Message is one server message: its type plus the raw body for decoding.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Listen reads server messages until the socket closes, delivering each on
// the returned channel. The channel is closed when reading stops.
func (c *Client) Listen() <-chan Message {
	out := make(chan Message, 16)
	go func() {
		defer close(out)
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			var head struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &head) != nil {
				continue
			}
			out <- Message{Type: head.Type, Raw: data}
		}
	}()
	return out
}

// Close sends a normal close frame and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}
