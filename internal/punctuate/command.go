package punctuate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// DefaultCommandTimeout bounds one external punctuator run.
const DefaultCommandTimeout = 10 * time.Second

// Command punctuates by running an external program. The caption is written
// to a temporary file whose path replaces "{input}" or "{file}" in the
// arguments; the program's trimmed stdout is the result. A failure, a
// timeout or empty output leaves the caption unchanged.
//
// The command line is split with shell quoting rules but never run through a
// shell, so pipes and redirections are rejected by [NewCommand].
type Command struct {
	args []string

	// Timeout defaults to [DefaultCommandTimeout].
	Timeout time.Duration
}

// NewCommand parses line into a [Command].
func NewCommand(line string) (*Command, error) {
	p := shellwords.NewParser()
	args, err := p.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if p.Position >= 0 {
		return nil, fmt.Errorf("%w: shell operators in %q", ErrUnsupported, line)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrUnsupported)
	}
	return &Command{args: args}, nil
}

// Args returns the parsed command line, placeholders included.
func (c *Command) Args() []string { return append([]string(nil), c.args...) }

// Punctuate implements [Punctuator].
func (c *Command) Punctuate(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	out, err := c.run(ctx, text)
	if err != nil {
		slog.Warn("punctuate: command failed", "cmd", c.args[0], "err", err)
		return text
	}
	if out == "" {
		return text
	}
	return out
}

func (c *Command) run(ctx context.Context, text string) (string, error) {
	f, err := os.CreateTemp("", "captionist-punct-*.txt")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fill := strings.NewReplacer("{input}", f.Name(), "{file}", f.Name())
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = fill.Replace(a)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	// Children of the program may hold stdout open past a kill.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			slog.Debug("punctuate: command stderr", "stderr", msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}
