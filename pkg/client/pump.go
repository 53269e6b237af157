package client

import (
	"context"
	"errors"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

// messagePump receives messages and hands them to the client's current
// message callback.
type messagePump struct {
	c      *DeviceClient
	cancel context.CancelFunc
	done   chan struct{}
}

func startMessagePump(c *DeviceClient) *messagePump {
	ctx, cancel := context.WithCancel(context.Background())
	p := &messagePump{c: c, cancel: cancel, done: make(chan struct{})}
	go p.run(ctx)
	return p
}

// stop ends the pump and waits for a callback in progress, or for ctx.
func (p *messagePump) stop(ctx context.Context) {
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
	}
}

func (p *messagePump) run(ctx context.Context) {
	defer close(p.done)

	for {
		msg, err := p.c.handler.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				p.c.logger.Warn("message receive stopped", "err", err)
			}
			return
		}
		p.handle(ctx, msg)
	}
}

func (p *messagePump) handle(ctx context.Context, msg *wire.IncomingMessage) {
	result := MessageAbandon
	if fn := p.c.messageCallback(); fn != nil {
		result = fn(ctx, msg)
	}

	var err error
	switch result {
	case MessageComplete:
		err = p.c.handler.CompleteMessage(ctx, msg.LockToken)
	case MessageReject:
		err = p.c.handler.RejectMessage(ctx, msg.LockToken)
	default:
		err = p.c.handler.AbandonMessage(ctx, msg.LockToken)
	}
	if err != nil && ctx.Err() == nil {
		p.c.logger.Warn("settle message", "lock_token", msg.LockToken, "result", result.String(), "err", err)
	}
}
