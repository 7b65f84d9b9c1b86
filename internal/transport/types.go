package transport

import "context"

// Update is one inbound event from the messaging platform.
type Update struct {
	Message *Message
}

// Message carries the fields the relay cares about: plain text (commands and
// deep-link payloads) plus raw web-app payloads.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromName     string
	FromUsername string
	Text         string
	WebAppData   []byte // raw JSON payload from the web app, nil otherwise
}

// Notifier is the outbound capability consumed by the fan-out dispatcher.
// Both methods may fail independently per recipient; errors surface the raw
// transport message so callers can classify outcomes.
type Notifier interface {
	SendText(ctx context.Context, recipient int64, text string) error
	SendPhoto(ctx context.Context, recipient int64, photo []byte, caption string) error
}

// Adapter is a full transport: inbound update stream plus the Notifier capability.
type Adapter interface {
	Notifier
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
