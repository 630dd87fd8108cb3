package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/pkg/monitor"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
)

// Executor runs a script on a remote host and returns its output lines.
type Executor interface {
	Run(ctx context.Context, script string) (stdoutLines, stderrLines []string, err error)
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Status  int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.Status)
}

type SSHExecutor struct {
	client *ResilientSSHClient
}

func NewSSHExecutor(client *ResilientSSHClient) *SSHExecutor {
	return &SSHExecutor{client: client}
}

// Run opens a session through the circuit breaker and retries transport
// failures with backoff. A non-zero exit is returned as *ExitError and is
// not retried.
func (e *SSHExecutor) Run(ctx context.Context, script string) ([]string, []string, error) {
	var outLines, errLines []string

	operation := func() error {
		res, err := e.client.ResConf.CircuitBreaker.Execute(func() (any, error) {
			return e.client.SSHClient.NewSession()
		})
		if err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		sess := res.(*ssh.Session)
		defer sess.Close()

		stdout, err := sess.StdoutPipe()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("stdout pipe: %w", err))
		}
		stderr, err := sess.StderrPipe()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("stderr pipe: %w", err))
		}
		if err := sess.Start(script); err != nil {
			return fmt.Errorf("start script: %w", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); outLines = scanLines(ctx, stdout) }()
		go func() { defer wg.Done(); errLines = scanLines(ctx, stderr) }()
		wg.Wait()

		if err := sess.Wait(); err != nil {
			var exit *ssh.ExitError
			if errors.As(err, &exit) {
				return backoff.Permanent(&ExitError{Command: script, Status: exit.ExitStatus()})
			}
			return err
		}
		return nil
	}

	err := backoff.Retry(operation, e.client.ResConf.BackOff(ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return outLines, errLines, err
}

func scanLines(ctx context.Context, r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return lines
		default:
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		lg.FromContext(ctx).Warn("scan error", lg.Err(err))
	}
	return lines
}

// CommandCheck turns a remote command into a flag check: the flag is up once
// the command exits 0 and, when expect is set, its stdout contains expect.
func CommandCheck(exec Executor, command, expect string) monitor.FlagFunc {
	return func(ctx context.Context) (bool, error) {
		out, _, err := exec.Run(ctx, command)
		var exit *ExitError
		switch {
		case errors.As(err, &exit):
			return false, nil
		case err != nil:
			return false, err
		}
		if expect == "" {
			return true, nil
		}
		return strings.Contains(strings.Join(out, "\n"), expect), nil
	}
}
