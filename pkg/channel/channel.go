package channel

import (
	"context"

	"subaru/pkg/bus"
)

// Adapter bridges one chat transport (Matrix, Telegram) into the dispatcher.
// Run blocks, feeding inbound messages through submit until the context ends.
// Send delivers one message; target is a room identifier, or a user
// identifier when direct is set.
type Adapter interface {
	Name() string
	Run(ctx context.Context, submit bus.SubmitFunc) error
	Send(ctx context.Context, target string, direct bool, content string) error
}
