package domain

import "context"

// ChannelProvider opens authenticated connections to the real-time messaging
// backend. Implementations exist for the websocket RTM service as well as
// Telegram, Discord, and Slack.
type ChannelProvider interface {
	// Connect opens and authenticates a connection for the given identity.
	Connect(ctx context.Context, appID, userID, token string) (ChannelConn, error)
	Name() string
}

// ChannelConn is one live connection to the messaging backend.
type ChannelConn interface {
	// Subscribe joins a channel so Publish and inbound events work for it.
	Subscribe(ctx context.Context, channel string) error

	// Publish sends text on a subscribed channel.
	Publish(ctx context.Context, channel, text string) error

	// Events delivers connection-status changes and inbound messages. The
	// channel is closed when the connection is torn down.
	Events() <-chan ChannelEvent

	Close() error
}

// ChannelEventType classifies a channel event.
type ChannelEventType string

const (
	EventStatus  ChannelEventType = "status"
	EventMessage ChannelEventType = "message"
)

// ConnStatus is the reported state of a channel connection.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusDisconnected ConnStatus = "disconnected"
	StatusFailed       ConnStatus = "failed"
)

// ChannelEvent is a single notification from a channel connection. Status
// events drive the reconnection state machine; message events carry inbound
// text from other channel members.
type ChannelEvent struct {
	Type    ChannelEventType
	Status  ConnStatus
	Reason  string // provider-supplied detail, e.g. "kicked off elsewhere"
	Channel string
	Sender  string
	Text    string
}

// Fatal reports whether a status event invalidates the session rather than
// being a transient provider hiccup. Fatal events trigger a delayed reconnect.
func (e ChannelEvent) Fatal() bool {
	return e.Type == EventStatus && (e.Status == StatusFailed || e.Status == StatusDisconnected)
}
