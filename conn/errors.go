package conn

import "errors"

// ErrNotConnected is returned when a channel operation runs before Connect.
var ErrNotConnected = errors.New("push channel not connected")

// ErrChannelClosed signals that the push connection dropped or was closed.
var ErrChannelClosed = errors.New("push channel closed")
