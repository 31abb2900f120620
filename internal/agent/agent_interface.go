package agent

import (
	"context"

	"github.com/ashureev/graphchat/internal/dialogue"
)

// Runner executes one dialogue turn. It is implemented by *dialogue.Loop.
type Runner interface {
	RunTurn(ctx context.Context, threadID, text string, sink dialogue.Sink) (dialogue.Outcome, error)
}

// Ensure the dialogue loop implements Runner.
var _ Runner = (*dialogue.Loop)(nil)
