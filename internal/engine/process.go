package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"
)

// DefaultTimeout bounds one engine invocation. Model inference on a
// loaded host can take tens of seconds, so this is deliberately generous.
const DefaultTimeout = 30 * time.Second

// ProcessRunner runs the engine as a local subprocess per invocation.
type ProcessRunner struct {
	bin     string
	script  string // optional interpreter script, prepended to argv
	timeout time.Duration
}

// NewProcessRunner creates a subprocess-backed Runner. bin is the
// executable (e.g. "python3" or a compiled engine binary); script, if
// non-empty, is passed as the first argument (the interpreter case).
// A non-positive timeout falls back to DefaultTimeout.
func NewProcessRunner(bin, script string, timeout time.Duration) *ProcessRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ProcessRunner{bin: bin, script: script, timeout: timeout}
}

// Invoke spawns one engine process, waits for exit or timeout, and
// decodes the JSON result from stdout.
func (r *ProcessRunner) Invoke(ctx context.Context, action Action, args Args) (*Result, error) {
	if err := args.Validate(action); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	argv := args.argv(action)
	if r.script != "" {
		argv = append([]string{r.script}, argv...)
	}

	cmd := exec.CommandContext(ctx, r.bin, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		// CommandContext kills the process on deadline; no partial
		// result survives a timed-out call.
		return nil, &InvocationError{Action: action, Kind: ErrTimeout, Stderr: stderr.String(), Cause: ctxErr}
	}

	res, err := decodeResult(action, stdout.Bytes(), stderr.Bytes())
	if err != nil {
		var invErr *InvocationError
		if runErr != nil && errors.As(err, &invErr) && invErr.Cause == nil {
			invErr.Cause = runErr
		}
		return nil, err
	}

	slog.Debug("engine invocation finished",
		"action", action,
		"success", res.Success,
		"exit_error", runErr != nil,
		"duration", elapsed)

	return res, nil
}
