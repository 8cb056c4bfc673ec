package dispatch

import (
	"context"
	"fmt"
)

// relay forwards external commands onto the control stream in arrival order.
// A closed commands channel ends the relay cleanly; failing to publish means
// the manager is gone and is returned as ErrControlClosed.
func relay[C any](ctx context.Context, commands <-chan Command, control chan<- message[C]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-commands:
			if !ok {
				return nil
			}
			if err := sendControl(ctx, control, message[C]{kind: msgCommand, cmd: cmd}); err != nil {
				if cmd.Kind == CommandInfer && cmd.Infer.Responding != nil {
					cmd.Infer.Responding.finish(fmt.Errorf("%w: %w", ErrDispatcherStopped, err))
				}
				return err
			}
		}
	}
}
