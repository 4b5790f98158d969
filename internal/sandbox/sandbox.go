// Package sandbox is the hard containment tier for operator source that
// must itself run untrusted. The source is statically vetted, then
// interpreted inside a child process whose address-space and CPU-time
// ceilings are enforced by the OS before any user code runs. The parent
// can always terminate the child, so the deadline here is a hard bound,
// unlike the cooperative tier in the executor.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"evokernel/internal/constitution"
	"evokernel/internal/executor"
	"evokernel/internal/scan"
)

// Config bounds one sandboxed run.
type Config struct {
	CPU     time.Duration // RLIMIT_CPU granted to the child
	Memory  int64         // RLIMIT_AS granted to the child
	Timeout time.Duration // parent-side wall clock before forced kill
}

// DefaultConfig applies the constitutional ceilings.
func DefaultConfig() Config {
	return Config{
		CPU:     constitution.CPULimit,
		Memory:  constitution.RAMLimit,
		Timeout: constitution.CPULimit + 2*time.Second,
	}
}

// request crosses the parent/child boundary on stdin.
type request struct {
	Source     string `json:"source"`
	CPUSeconds int64  `json:"cpu_seconds"`
	MemLimit   int64  `json:"mem_limit"`
}

// response crosses back on stdout: a one-shot result channel. Exactly
// one of Result and Error is meaningful.
type response struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Runner executes untrusted operator source in isolated child processes.
type Runner struct {
	log *zap.Logger
	// childCommand is how the parent re-enters itself as the sandbox
	// child; tests may point it at a different binary.
	childCommand func(ctx context.Context) *exec.Cmd
}

// NewRunner builds a Runner that re-executes the current binary with the
// hidden sandbox-exec subcommand as the child entry point.
func NewRunner(log *zap.Logger) *Runner {
	return &Runner{
		log: log,
		childCommand: func(ctx context.Context) *exec.Cmd {
			self, err := os.Executable()
			if err != nil {
				self = os.Args[0]
			}
			return exec.CommandContext(ctx, self, "sandbox-exec")
		},
	}
}

// Run vets src statically, then executes it in a resource-limited child
// inside an ephemeral working directory with a cleared environment. The
// child's declared Result() value is returned; any failure inside the
// child is marshalled back and re-raised here. A child still alive at
// the timeout is forcibly terminated and reaped, surfacing a sandbox
// timeout to the caller.
func (r *Runner) Run(ctx context.Context, src string, cfg Config) (string, error) {
	if err := scan.ScanSource(src); err != nil {
		return "", err
	}

	workDir, err := os.MkdirTemp("", "opcell-*")
	if err != nil {
		return "", fmt.Errorf("create sandbox dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	cpuSeconds := int64(cfg.CPU / time.Second)
	if cpuSeconds < 1 {
		cpuSeconds = 1
	}
	payload, err := json.Marshal(request{
		Source:     src,
		CPUSeconds: cpuSeconds,
		MemLimit:   cfg.Memory,
	})
	if err != nil {
		return "", err
	}

	cmd := r.childCommand(ctx)
	cmd.Dir = workDir
	cmd.Env = []string{} // the child sees nothing of the parent's environment
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start sandbox child: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return r.decode(stdout.Bytes(), stderr.Bytes(), waitErr)
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done // reap; never abandon the wait without draining it
		r.log.Warn("sandbox child killed after deadline", zap.Duration("timeout", cfg.Timeout))
		return "", &executor.QuotaError{Kind: executor.SandboxTimeout, Detail: fmt.Sprintf("child exceeded %v", cfg.Timeout)}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return "", ctx.Err()
	}
}

func (r *Runner) decode(stdout, stderr []byte, waitErr error) (string, error) {
	var resp response
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &resp); err != nil {
		if waitErr != nil {
			// The OS limits killed the child before it could answer.
			kind := executor.RAMLimitExceeded
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGXCPU {
					kind = executor.CPULimitExceeded
				}
			}
			return "", &executor.QuotaError{
				Kind:   kind,
				Detail: fmt.Sprintf("child died without a result: %v (stderr: %s)", waitErr, bytes.TrimSpace(stderr)),
			}
		}
		return "", fmt.Errorf("undecodable sandbox result: %w", err)
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Result, nil
}
