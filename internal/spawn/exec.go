package spawn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/j-tyler/ken/internal/logger"
)

// ExecDriver spawns the agent as a local subprocess via os/exec, the
// composed prompt piped over stdin. It mirrors the process-group and
// graceful-shutdown discipline of a typical subprocess launcher: a new
// process group, SIGTERM then SIGKILL on Stop, kernel-delivered
// Pdeathsig as a crash backstop.
type ExecDriver struct {
	Command []string // argv; Command[0] is the agent binary
	log     *logger.Logger
}

// NewExecDriver builds an ExecDriver that runs command as the agent.
func NewExecDriver(command []string, log *logger.Logger) *ExecDriver {
	return &ExecDriver{Command: command, log: log.WithFields(zap.String("component", "spawn.exec"))}
}

type execHandle struct {
	cmd    *exec.Cmd
	exited chan struct{}
	mu     sync.Mutex
	result ExitResult
}

func (d *ExecDriver) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("spawn: exec driver has no command configured")
	}

	cmd := exec.Command(d.Command[0], d.Command[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.SysProcAttr = sysProcAttr()
	cmd.Env = append(os.Environ(),
		"KEN_SESSION_ID="+spec.SessionID,
		"KEN_SOCKET_PATH="+spec.SocketPath,
		"KEN_MODE="+spec.Mode,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: start: %w", err)
	}

	log := d.log.WithFields(zap.String("session_id", spec.SessionID), zap.Int("pid", cmd.Process.Pid))
	log.Info("agent process started")

	go func() {
		_, _ = stdin.Write([]byte(spec.Prompt))
		_ = stdin.Close()
	}()
	go pipeOutput(log, "stdout", stdout)
	go pipeOutput(log, "stderr", stderr)

	h := &execHandle{cmd: cmd, exited: make(chan struct{})}
	go h.monitor(log)

	return h, nil
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}

func pipeOutput(log *logger.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug(scanner.Text(), zap.String("stream", stream))
	}
}

func (h *execHandle) monitor(log *logger.Logger) {
	err := h.cmd.Wait()
	h.mu.Lock()
	if err != nil {
		h.result = ExitResult{Crashed: true, ExitCode: h.cmd.ProcessState.ExitCode(), Err: err}
		log.Warn("agent process exited with error", zap.Error(err))
	} else {
		h.result = ExitResult{Crashed: false, ExitCode: 0}
		log.Info("agent process exited cleanly")
	}
	h.mu.Unlock()
	close(h.exited)
}

func (h *execHandle) Wait(ctx context.Context) ExitResult {
	select {
	case <-h.exited:
	case <-ctx.Done():
		return ExitResult{Crashed: true, Err: ctx.Err()}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *execHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	select {
	case <-h.exited:
		return nil
	default:
	}

	_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
		select {
		case <-h.exited:
			return nil
		case <-time.After(2 * time.Second):
			return fmt.Errorf("spawn: process did not exit after SIGKILL")
		}
	}
}

func (h *execHandle) Pid() string {
	if h.cmd.Process == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%d", h.cmd.Process.Pid))
}
