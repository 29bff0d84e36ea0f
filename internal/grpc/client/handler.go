package client

import (
	"context"

	"github.com/EternisAI/silo-relay/internal/models"
)

// Handler executes commands delivered to the agent. Execution happens outside
// the relay; the handler only reports the outcome.
type Handler interface {
	Handle(ctx context.Context, cmd models.Command) (success bool, output string)
}

type HandlerFunc func(ctx context.Context, cmd models.Command) (bool, string)

func (f HandlerFunc) Handle(ctx context.Context, cmd models.Command) (bool, string) {
	return f(ctx, cmd)
}
