// Package hooks runs external commands around execute_query. A before hook
// sees the statement text on stdin and may accept, rewrite or reject it; an
// after hook sees the JSON result and may accept, rewrite or reject that.
//
// Hooks form a chain: each matching hook receives the previous hook's
// output, and patterns are matched against that output. Any hook failure
// stops the chain.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// Entry is one hook command. Timeout zero means the runner default.
type Entry struct {
	Pattern string
	Command string
	Args    []string
	Timeout time.Duration
}

type Config struct {
	DefaultTimeout time.Duration
	Before         []Entry
	After          []Entry
}

// Verdict is what a hook prints on stdout.
type Verdict struct {
	Accept       bool   `json:"accept"`
	Modified     string `json:"modified,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type stage string

const (
	stageBefore stage = "before_query"
	stageAfter  stage = "after_query"
)

// waitDelay bounds how long a killed hook may hold its output pipes open.
const waitDelay = time.Second

type command struct {
	pattern *regexp.Regexp
	name    string
	args    []string
	timeout time.Duration
}

// Runner is safe for concurrent use.
type Runner struct {
	before []command
	after  []command
	logger zerolog.Logger
}

// NewRunner compiles the hook patterns.
func NewRunner(cfg Config, logger zerolog.Logger) (*Runner, error) {
	if cfg.DefaultTimeout <= 0 && len(cfg.Before)+len(cfg.After) > 0 {
		return nil, fmt.Errorf("hooks: default timeout must be > 0 when hooks are configured")
	}
	r := &Runner{logger: logger.With().Str("component", "hooks").Logger()}
	var err error
	if r.before, err = compile(stageBefore, cfg.Before, cfg.DefaultTimeout); err != nil {
		return nil, err
	}
	if r.after, err = compile(stageAfter, cfg.After, cfg.DefaultTimeout); err != nil {
		return nil, err
	}
	return r, nil
}

func compile(s stage, entries []Entry, def time.Duration) ([]command, error) {
	out := make([]command, len(entries))
	for i, e := range entries {
		if e.Command == "" {
			return nil, fmt.Errorf("hooks: %s hook %d has no command", s, i)
		}
		if e.Timeout < 0 {
			return nil, fmt.Errorf("hooks: %s hook %q has a negative timeout", s, e.Command)
		}
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("hooks: invalid %s pattern %q: %w", s, e.Pattern, err)
		}
		timeout := e.Timeout
		if timeout == 0 {
			timeout = def
		}
		out[i] = command{pattern: re, name: e.Command, args: e.Args, timeout: timeout}
	}
	return out, nil
}

// HasBefore reports whether any before hooks are configured. Nil-safe.
func (r *Runner) HasBefore() bool { return r != nil && len(r.before) > 0 }

// HasAfter reports whether any after hooks are configured. Nil-safe.
func (r *Runner) HasAfter() bool { return r != nil && len(r.after) > 0 }

// Before runs the before hooks on statement and returns the statement to
// execute. Rejections are statement_rejected errors.
func (r *Runner) Before(ctx context.Context, statement string) (string, error) {
	if !r.HasBefore() {
		return statement, nil
	}
	return r.chain(ctx, stageBefore, r.before, statement)
}

// After runs the after hooks on the JSON-encoded result. The statement has
// already been committed; a rejection withholds the result from the caller.
func (r *Runner) After(ctx context.Context, result []byte) ([]byte, error) {
	if !r.HasAfter() {
		return result, nil
	}
	out, err := r.chain(ctx, stageAfter, r.after, string(result))
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (r *Runner) chain(ctx context.Context, s stage, cmds []command, input string) (string, error) {
	current := input
	for _, c := range cmds {
		if !c.pattern.MatchString(current) {
			continue
		}
		output, err := r.run(ctx, c, current)
		if err != nil {
			return "", err
		}
		var v Verdict
		if err := json.Unmarshal(output, &v); err != nil {
			return "", toolerr.Wrap(toolerr.KindInternal, err,
				fmt.Sprintf("%s hook %s returned an unparseable response", s, c.name))
		}
		if !v.Accept {
			msg := v.ErrorMessage
			if msg == "" {
				msg = "rejected by " + string(s) + " hook"
			}
			return "", toolerr.New(toolerr.KindStatementRejected, "%s", msg)
		}
		if v.Modified != "" {
			current = v.Modified
		}
	}
	return current, nil
}

func (r *Runner) run(ctx context.Context, c command, input string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// No shell: the command is executed directly with its argument list.
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdin = bytes.NewBufferString(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	output, err := cmd.Output()
	if stderr.Len() > 0 {
		ev := r.logger.Debug()
		if err != nil {
			ev = r.logger.Warn()
		}
		ev.Str("command", c.name).Str("stderr", stderr.String()).Msg("hook stderr output")
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, toolerr.Wrap(toolerr.KindInternal, err, fmt.Sprintf("hook %s timed out after %s", c.name, c.timeout))
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, toolerr.Wrap(toolerr.KindCancelled, err, fmt.Sprintf("request cancelled while hook %s was running", c.name))
		}
		return nil, toolerr.Wrap(toolerr.KindInternal, err, fmt.Sprintf("hook %s failed: %v", c.name, err))
	}
	return output, nil
}
