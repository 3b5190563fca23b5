package repair

import (
	"context"
	"fmt"
	"log"

	"github.com/EXCALOFRIO/FlowCode/internal/core/domain"
	"github.com/EXCALOFRIO/FlowCode/internal/core/ports"
)

// Repairer performs exactly one repair cycle per failed command: classify,
// rewrite, re-execute once. If the repaired command also fails, that second
// failure is surfaced; there is no chaining.
type Repairer struct {
	Runtime    ports.ContainerRuntime
	UploadsDir string
}

// Repair rewrites failed according to errText and executes the fix once in
// the given container. Errors raised while attempting the fix itself are
// reported as a failed attempt, never propagated.
func (r Repairer) Repair(ctx context.Context, containerID string, failed domain.Command, errText string) Attempt {
	attempt := Attempt{
		Class:    Classify(errText),
		Original: failed.String(),
	}

	rewriter := Rewriter{
		UploadsDir: r.UploadsDir,
		Probe: func(ctx context.Context, cmd domain.Command) (string, bool) {
			res, err := r.Runtime.Exec(ctx, containerID, cmd)
			if err != nil {
				return "", false
			}
			return res.Output, res.Success
		},
	}

	fixed, applied := rewriter.Rewrite(ctx, attempt.Class, failed)
	attempt.Class = applied
	attempt.Fixed = fixed.String()

	res, err := r.Runtime.Exec(ctx, containerID, fixed)
	if err != nil {
		log.Printf("repair: executing fix for %q: %v", attempt.Original, err)
		attempt.Result = domain.ExecResult{
			Success: false,
			Error:   fmt.Sprintf("repair execution failed: %v", err),
		}
		return attempt
	}
	attempt.Result = res
	return attempt
}
