package taskexec

import (
	"context"
	"errors"
	"time"

	"github.com/ronappleton/dagengine/internal/engine"
)

// Echo completes every node with its own config as outputs, after Delay.
// A string "fail" entry in the config fails the attempt with that message.
type Echo struct {
	Delay time.Duration
}

func (e Echo) Execute(ctx context.Context, task engine.Task) (engine.Result, error) {
	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}
	if msg, ok := task.Node.Config["fail"].(string); ok && msg != "" {
		return engine.Result{}, errors.New(msg)
	}
	outputs := make(map[string]any, len(task.Node.Config)+1)
	for k, v := range task.Node.Config {
		outputs[k] = v
	}
	outputs["attempt"] = task.Attempt
	return engine.Result{Outputs: outputs}, nil
}
