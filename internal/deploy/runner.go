package deploy

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/unitedctf/instancer/internal/catalog"
	"github.com/unitedctf/instancer/internal/sentinel"
)

// ErrScriptFailed is returned by Runner.Run when the deployer script exits
// non-zero or dies on a signal.
const ErrScriptFailed = sentinel.Error("deployer script failed")

// ErrScriptTimeout is returned by Runner.Run when the configured deploy
// timeout elapsed and the script had to be killed.
const ErrScriptTimeout = sentinel.Error("deployer script timed out")

// detailsPrefix marks stdout lines that become the instance's user-visible
// connection details.
const detailsPrefix = "$ "

// termGracePeriod is how long a timed-out script gets between SIGTERM and
// SIGKILL.
const termGracePeriod = 5 * time.Second

// Runner invokes deployer executables and parses their output. It never
// touches the store or the expiry queue; it is pure subprocess I/O.
//
// Scripts are invoked as:
//
//	<deployer_path> <action> <challenge_id> <user_id>
//
// Stdout lines starting with "$ " are stripped of the prefix and joined
// with newlines into the details string; other stdout lines are logged at
// debug and stderr lines at warn. Exit status 0 is success.
type Runner struct {
	// timeout bounds one script invocation. Zero means the runner waits
	// for the script indefinitely, which is the configured default: a hung
	// script then blocks its worker until an operator intervenes.
	timeout time.Duration

	log *slog.Logger
}

// NewRunner creates a Runner. A zero timeout disables the deadline.
func NewRunner(timeout time.Duration, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{timeout: timeout, log: log}
}

// Run executes the challenge's deployer script for the given action and
// returns the collected details. The returned error wraps ErrScriptFailed
// or ErrScriptTimeout; the details string is only meaningful on success.
//
// Run deliberately takes no context: shutdown must not interrupt an
// in-flight script, since the queue drains user-initiated stops and
// cleanups before the process exits.
func (r *Runner) Run(ch *catalog.Challenge, userID string, action Command) (string, error) {
	log := r.log.With("challenge", ch.ID, "user", userID, "action", action.String())
	log.Debug("calling deployer script", "path", ch.DeployerPath)

	cmd := exec.Command(ch.DeployerPath, action.String(), ch.ID, userID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn deployer %s: %w", ch.DeployerPath, err)
	}

	// Escalation on timeout follows the usual SIGTERM-then-SIGKILL
	// sequence: give the script a grace period to clean up, then kill it.
	var timedOut atomic.Bool
	var termTimer, killTimer *time.Timer
	if r.timeout > 0 {
		termTimer = time.AfterFunc(r.timeout, func() {
			timedOut.Store(true)
			_ = cmd.Process.Signal(syscall.SIGTERM)
		})
		killTimer = time.AfterFunc(r.timeout+termGracePeriod, func() {
			// Kill after exit is a harmless no-op error.
			_ = cmd.Process.Kill()
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Warn("deployer stderr", "line", scanner.Text())
		}
	}()

	var details strings.Builder
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, detailsPrefix); ok {
			if details.Len() != 0 {
				details.WriteByte('\n')
			}
			details.WriteString(rest)
			continue
		}
		log.Debug("deployer stdout", "line", line)
	}
	scanErr := scanner.Err()

	wg.Wait()
	waitErr := cmd.Wait()
	if termTimer != nil {
		termTimer.Stop()
		killTimer.Stop()
	}

	if timedOut.Load() {
		log.Error("deployer script timed out", "timeout", r.timeout)
		return "", fmt.Errorf("%s %s: %w", ch.DeployerPath, action, ErrScriptTimeout)
	}
	if scanErr != nil {
		return "", fmt.Errorf("read deployer stdout: %w", scanErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			log.Error("deployer script failed", "exit", exitErr.ExitCode())
			return "", fmt.Errorf("%s %s exited with %d: %w",
				ch.DeployerPath, action, exitErr.ExitCode(), ErrScriptFailed)
		}
		return "", fmt.Errorf("wait for deployer: %w", waitErr)
	}

	return details.String(), nil
}
