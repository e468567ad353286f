package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/pulse/internal/shared"
)

const (
	defaultExecTimeout = 10 * time.Minute
	maxExecOutput      = 64 * 1024
	maxStderrInError   = 512
)

// Exec runs an external command per directive. The directive is written to
// stdin, the session and principal are exported as PULSE_SESSION_ID and
// PULSE_PRINCIPAL_ID, and trimmed stdout is the result.
type Exec struct {
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

func (e *Exec) Dispatch(ctx context.Context, sessionID, directive, principalID string) (string, error) {
	if len(e.Command) == 0 || strings.TrimSpace(e.Command[0]) == "" {
		return "", fmt.Errorf("exec dispatch: empty command")
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(append(os.Environ(), e.Env...),
		"PULSE_SESSION_ID="+sessionID,
		"PULSE_PRINCIPAL_ID="+principalID,
	)
	cmd.Stdin = strings.NewReader(directive)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	// Grandchildren can hold the pipes open after the kill.
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if runErr != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("exec dispatch: timed out after %s", timeout)
		}
		stderr := shared.Truncate(shared.Redact(strings.TrimSpace(errBuf.String())), maxStderrInError)
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if stderr != "" {
				return "", fmt.Errorf("exec dispatch: exit %d: %s", exitErr.ExitCode(), stderr)
			}
			return "", fmt.Errorf("exec dispatch: exit %d", exitErr.ExitCode())
		}
		return "", fmt.Errorf("exec dispatch: %w", runErr)
	}
	out := outBuf.String()
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput]
	}
	return strings.TrimSpace(out), nil
}
