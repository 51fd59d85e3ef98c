package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/signalnine/railsweep/internal/config"
	"github.com/signalnine/railsweep/internal/docker"
)

// Outcome labels recorded in the summary.
const (
	StatusSuccess        = "SUCCESS"
	StatusSuccessIgnored = "SUCCESS (GUI Ignored)"
	StatusTimeout        = "TIMEOUT"
)

// TimeoutExitCode matches coreutils timeout(1).
const TimeoutExitCode = docker.TimeoutExitCode

// Result is what one workload run produced.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// Executor runs a workload to completion. An error means the workload
// could not be started or was interrupted through ctx; a non-zero exit
// is reported in Result.
type Executor interface {
	Run(ctx context.Context, w *config.Workload) (*Result, error)
}

// LocalExecutor runs the workload command line through a shell on the
// host.
type LocalExecutor struct {
	// Shell defaults to /bin/sh.
	Shell string
}

func (e LocalExecutor) Run(ctx context.Context, w *config.Workload) (*Result, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	runCtx := ctx
	if t := w.Timeout(); t > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(runCtx, shell, "-c", w.Command())
	cmd.Dir = w.Cwd
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Run in its own process group so a timeout or interrupt also
	// reaches anything the shell spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := &Result{Output: out.String(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() != nil {
		res.ExitCode = TimeoutExitCode
		res.TimedOut = true
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running workload %s: %w", w.Name, err)
		}
		res.ExitCode = exitCode(exitErr.ProcessState)
	}
	return res, nil
}

// exitCode reports a signal-terminated process as -signum, so a
// SIGABRT during teardown reads as -6.
func exitCode(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

// ContainerExecutor runs the workload in the image named by its
// container block.
type ContainerExecutor struct{}

func (ContainerExecutor) Run(ctx context.Context, w *config.Workload) (*Result, error) {
	if w.Container == nil {
		return nil, fmt.Errorf("workload %s has no container block", w.Name)
	}
	workDir := ""
	if w.Cwd != "" {
		abs, err := filepath.Abs(w.Cwd)
		if err != nil {
			return nil, fmt.Errorf("resolving cwd: %w", err)
		}
		workDir = abs
	}
	res, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:      w.Container.Image,
		Command:    []string{"/bin/sh", "-c", w.Command()},
		WorkDir:    workDir,
		Env:        w.Container.Env,
		Timeout:    w.Timeout(),
		Devices:    w.Container.Devices,
		Binds:      w.Container.Binds,
		Privileged: w.Container.Privileged,
	})
	if err != nil {
		return nil, fmt.Errorf("running workload %s: %w", w.Name, err)
	}
	return &Result{
		ExitCode: res.ExitCode,
		Output:   res.Output,
		Duration: res.Duration,
		TimedOut: res.TimedOut,
	}, nil
}

// ForWorkload picks the executor a workload declares.
func ForWorkload(w *config.Workload) Executor {
	if w.Container != nil {
		return ContainerExecutor{}
	}
	return LocalExecutor{}
}

// Dispatcher runs each workload with the executor it declares.
type Dispatcher struct{}

func (Dispatcher) Run(ctx context.Context, w *config.Workload) (*Result, error) {
	return ForWorkload(w).Run(ctx, w)
}

// StatusFromCode classifies an exit. ignored marks a non-zero code the
// workload lists in ignore_exit_codes.
func StatusFromCode(code int, timedOut, ignored bool) string {
	switch {
	case timedOut:
		return StatusTimeout
	case code == 0:
		return StatusSuccess
	case ignored:
		return StatusSuccessIgnored
	default:
		return fmt.Sprintf("CRASH (Exit Code %d)", code)
	}
}

// Classify applies StatusFromCode with the workload's ignore list.
func Classify(w *config.Workload, res *Result) string {
	return StatusFromCode(res.ExitCode, res.TimedOut, slices.Contains(w.IgnoreExitCodes, res.ExitCode))
}

func IsSuccess(status string) bool {
	return strings.HasPrefix(status, StatusSuccess)
}

// ExtractAccuracy parses the first capture group of the first match.
func ExtractAccuracy(re *regexp.Regexp, output string) (float64, bool) {
	if re == nil {
		return 0, false
	}
	m := re.FindStringSubmatch(output)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
