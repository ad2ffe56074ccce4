// Package imaging prepares the disk images a VM worker boots from.
package imaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/zeonglow/buildbot/internal/logging"
)

// waitDelay bounds how long a killed command may keep its output pipes open.
const waitDelay = 2 * time.Second

// Runner runs one external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ToolError reports an external command that could not be launched or
// exited unsuccessfully.
type ToolError struct {
	Command  []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s: %v", strings.Join(e.Command, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += " (output: " + out + ")"
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands on the local host. Commands may be wrapped in a
// prefix such as sudo and given extra environment variables.
type ExecRunner struct {
	env     map[string]string
	prepend []string
	timeout time.Duration
	logger  *slog.Logger
}

// RunnerOption configures an ExecRunner.
type RunnerOption func(*ExecRunner)

// WithEnv adds environment variables to every command.
func WithEnv(env map[string]string) RunnerOption {
	return func(r *ExecRunner) {
		if r.env == nil {
			r.env = map[string]string{}
		}
		maps.Copy(r.env, env)
	}
}

// WithPrependCmd runs every command through prefix, e.g. []string{"sudo", "-n"}.
func WithPrependCmd(prefix ...string) RunnerOption {
	return func(r *ExecRunner) {
		r.prepend = slices.Clone(prefix)
	}
}

// WithTimeout bounds each command. Zero means no bound.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *ExecRunner) {
		r.timeout = d
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *ExecRunner) {
		r.logger = logger
	}
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner(opts ...RunnerOption) *ExecRunner {
	r := &ExecRunner{}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Ensure(r.logger).With(logging.ComponentKey, "imaging")
	return r
}

// Argv returns the full argument vector Run would execute.
func (r *ExecRunner) Argv(name string, args ...string) []string {
	argv := make([]string, 0, len(r.prepend)+1+len(args))
	argv = append(argv, r.prepend...)
	argv = append(argv, name)
	return append(argv, args...)
}

// Run executes name with args and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	argv := r.Argv(name, args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = waitDelay
	if len(r.env) > 0 {
		cmd.Env = os.Environ()
		for _, k := range slices.Sorted(maps.Keys(r.env)) {
			cmd.Env = append(cmd.Env, k+"="+r.env[k])
		}
	}

	r.logger.Debug("running command", "command", FormatCmd(r.env, argv...))
	start := time.Now()
	output, err := cmd.CombinedOutput()
	if err != nil {
		toolErr := &ToolError{Command: argv, ExitCode: -1, Output: string(output), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			toolErr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			toolErr.Err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return toolErr
	}
	r.logger.Debug("command finished", "command", argv[0], "duration", time.Since(start))
	return nil
}

// FormatCmd renders a command line for logs, quoting each argument.
func FormatCmd(env map[string]string, argv ...string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(env)) {
		fmt.Fprintf(&b, "%s=%q ", k, env[k])
	}
	for _, arg := range argv {
		if arg != "" && !strings.ContainsAny(arg, " \t\"'$`\\") {
			b.WriteString(arg)
		} else {
			fmt.Fprintf(&b, "%q", arg)
		}
		b.WriteByte(' ')
	}
	return strings.TrimSpace(b.String())
}
