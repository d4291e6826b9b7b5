package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/procguard/internal/logger"
	"github.com/loykin/procguard/internal/metrics"
)

var (
	ErrEmptyCommand   = errors.New("empty start command")
	ErrAlreadyRunning = errors.New("process already running")
)

const defaultTerminateWait = 3 * time.Second

// Options configures how the supervised process is launched.
type Options struct {
	Name          string
	WorkDir       string
	Env           []string
	Log           logger.Config
	TerminateWait time.Duration
}

// ExitInfo describes one finished run. It is handed to the exit handler.
type ExitInfo struct {
	RunID    string
	PID      int
	Err      error
	ExitedAt time.Time
}

// Process wraps one OS process launched from a command line. Start, kill and terminate
// never block on the child except TerminateProcess, which waits up to TerminateWait.
// Exits are reported asynchronously through the exit handler.
type Process struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	waitDone  chan struct{}
	onExit    func(ExitInfo)
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func New(opts Options, log *slog.Logger) *Process {
	if log == nil {
		log = slog.Default()
	}
	if opts.TerminateWait <= 0 {
		opts.TerminateWait = defaultTerminateWait
	}
	return &Process{opts: opts, log: log.With("component", "process", "name", opts.Name)}
}

// SetExitHandler installs f; it runs on the watcher goroutine after each exit.
func (p *Process) SetExitHandler(f func(ExitInfo)) {
	p.mu.Lock()
	p.onExit = f
	p.mu.Unlock()
}

// StartProcess launches command and reports success.
func (p *Process) StartProcess(command string) bool {
	if err := p.Start(command); err != nil {
		p.log.Error("start failed", "command", command, "error", err)
		return false
	}
	return true
}

// Start launches command. A process that is still alive must be gone first.
func (p *Process) Start(command string) error {
	cmd, ok := buildCommand(command)
	if !ok {
		return ErrEmptyCommand
	}
	p.mu.Lock()
	if p.waitDone != nil {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.mu.Unlock()

	if p.opts.WorkDir != "" {
		cmd.Dir = p.opts.WorkDir
	}
	if len(p.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), p.opts.Env...)
	}
	setProcessGroup(cmd)
	if err := p.attachOutput(cmd); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return fmt.Errorf("start %q: %w", command, err)
	}

	runID := uuid.NewString()
	done := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.waitDone = done
	p.status.Name = p.opts.Name
	p.status.Command = command
	p.status.RunID = runID
	p.status.PID = cmd.Process.Pid
	p.status.Running = true
	p.status.StartedAt = time.Now()
	p.status.StoppedAt = time.Time{}
	p.status.ExitErr = ""
	p.status.Launches++
	p.mu.Unlock()

	metrics.IncStart(p.opts.Name)
	p.log.Info("process started", "pid", cmd.Process.Pid, "run_id", runID)
	go p.wait(cmd, runID, done)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, runID string, done chan struct{}) {
	err := cmd.Wait()
	info := ExitInfo{RunID: runID, PID: cmd.Process.Pid, Err: err, ExitedAt: time.Now()}

	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = info.ExitedAt
	if err != nil {
		p.status.ExitErr = err.Error()
	}
	if p.waitDone == done {
		p.waitDone = nil
	}
	handler := p.onExit
	outW, errW := p.outCloser, p.errCloser
	p.outCloser, p.errCloser = nil, nil
	p.mu.Unlock()
	close(done)
	if outW != nil {
		_ = outW.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}

	p.log.Info("process exited", "pid", info.PID, "run_id", runID, "error", err)
	if handler != nil {
		handler(info)
	}
}

func (p *Process) attachOutput(cmd *exec.Cmd) error {
	lc := p.opts.Log
	if lc.Dir == "" && lc.StdoutPath == "" && lc.StderrPath == "" {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		cmd.Stdout = null
		cmd.Stderr = null
		p.mu.Lock()
		p.outCloser = null
		p.mu.Unlock()
		return nil
	}
	if lc.Dir != "" {
		if err := os.MkdirAll(lc.Dir, 0o750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	outW, errW, err := lc.Writers(p.opts.Name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.outCloser, p.errCloser = outW, errW
	p.mu.Unlock()
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	return nil
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
}

// KillProcess sends SIGKILL to the process group and returns without waiting.
// The exit is reported later through the exit handler.
func (p *Process) KillProcess() bool {
	pid, running := p.runningPID()
	if !running {
		return true
	}
	if err := signalGroup(pid, sigKill); err != nil {
		p.log.Error("kill failed", "pid", pid, "error", err)
		return false
	}
	p.log.Warn("kill requested", "pid", pid)
	return true
}

// TerminateProcess asks the process to stop and escalates to SIGKILL after TerminateWait.
// It blocks until the process is reaped or the kill grace period passed.
func (p *Process) TerminateProcess() bool {
	pid, running := p.runningPID()
	if !running {
		return true
	}
	p.mu.Lock()
	done := p.waitDone
	p.mu.Unlock()

	if err := signalGroup(pid, sigTerm); err != nil {
		p.log.Error("terminate failed", "pid", pid, "error", err)
		return false
	}
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(p.opts.TerminateWait):
	}
	p.log.Warn("terminate timed out, killing", "pid", pid, "wait", p.opts.TerminateWait)
	if err := signalGroup(pid, sigKill); err != nil {
		return false
	}
	select {
	case <-done:
		return true
	case <-time.After(200 * time.Millisecond):
		return false
	}
}

func (p *Process) runningPID() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil || p.waitDone == nil {
		return 0, false
	}
	return p.cmd.Process.Pid, true
}

// Alive probes the OS for the current PID. Zombies count as dead.
func (p *Process) Alive() bool {
	pid, running := p.runningPID()
	if !running {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()
	if s.Running && s.PID > 0 {
		s.OSStartedAt = getProcStartUnix(s.PID)
	}
	return s
}

// Done returns a channel closed when the current run is reaped, or nil with no run.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitDone == nil {
		return nil
	}
	return p.waitDone
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
