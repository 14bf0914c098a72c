// Package proc runs workers in child processes and talks to them with
// framed msgpack envelopes (package ipc) over stdin and stdout.
//
// The host side (Spawn/Process) starts the child, relays its stderr into the
// structured log, sends periodic heartbeats and stops it gracefully: a
// shutdown envelope, then stdin is closed, then after the grace period the
// process is killed.
//
// The child side (Child) serves envelopes from stdin and treats a missing
// heartbeat or an unexpected end of stdin as the parent being gone.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-acq/ipc"
)

const (
	DefaultHeartbeatInterval = 250 * time.Millisecond
	DefaultGracePeriod       = 2 * time.Second
)

var (
	// ErrExited is returned by Send after the child has exited.
	ErrExited = errors.New("proc: process exited")

	// ErrKilled is returned by Stop when the child had to be killed.
	ErrKilled = errors.New("proc: process killed after grace period")
)

// Config describes a child process.
type Config struct {
	// Name identifies the child in logs.
	Name string

	// Path is the executable. Empty means the running binary.
	Path string
	Args []string

	// Env is appended to the parent's environment.
	Env []string

	// ExtraFiles become file descriptors 3, 4, ... in the child.
	ExtraFiles []*os.File

	// HeartbeatInterval between lifeline envelopes. Negative disables.
	HeartbeatInterval time.Duration

	// GracePeriod between the shutdown request and a forced kill.
	GracePeriod time.Duration
}

// Process is a running child.
type Process struct {
	cfg   Config
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *ipc.Encoder

	messages chan ipc.Envelope
	readDone chan struct{}
	done     chan struct{}
	waitErr  error
	exited   atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// Spawn starts the child described by cfg.
func Spawn(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("proc: resolve executable: %w", err)
		}
		cfg.Path = exe
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.ExtraFiles = cfg.ExtraFiles
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin pipe: %w", err)
	}

	// Own the read ends so Wait never closes them under the readers.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("proc: stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("proc: start %s: %w", cfg.Name, err)
	}
	stdoutW.Close()
	stderrW.Close()

	pctx, cancel := context.WithCancel(ctx)
	p := &Process{
		cfg:      cfg,
		cmd:      cmd,
		stdin:    stdin,
		enc:      ipc.NewEncoder(stdin),
		messages: make(chan ipc.Envelope, 64),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      pctx,
		cancel:   cancel,
	}

	slog.Info("proc: child spawned", "name", cfg.Name, "pid", cmd.Process.Pid, "args", cfg.Args)

	p.wg.Add(3)
	go p.readMessages(stdoutR)
	go p.relayStderr(stderrR)
	go p.waitProcess()

	if cfg.HeartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeat()
	}

	return p, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Messages delivers envelopes written by the child. Closed once the child's
// stdout ends.
func (p *Process) Messages() <-chan ipc.Envelope { return p.messages }

// Done is closed when the child has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Send writes one envelope to the child's stdin.
func (p *Process) Send(kind ipc.Kind, v any) error {
	if p.exited.Load() {
		return ErrExited
	}
	if err := p.enc.Send(kind, v); err != nil {
		return fmt.Errorf("proc: send to %s: %w", p.cfg.Name, err)
	}
	return nil
}

// Stop asks the child to exit and kills it if it has not exited within the
// grace period. Safe to call more than once.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Process) stop(ctx context.Context) error {
	slog.Info("proc: stopping child", "name", p.cfg.Name, "pid", p.Pid())

	if !p.exited.Load() {
		_ = p.enc.Send(ipc.KindShutdown, nil)
	}
	p.stdin.Close()

	timer := time.NewTimer(p.cfg.GracePeriod)
	defer timer.Stop()

	var err error
	select {
	case <-p.done:
	case <-timer.C:
		err = p.kill()
	case <-ctx.Done():
		err = p.kill()
	}

	// Let the last envelopes written before exit reach Messages, unless
	// nobody is reading them.
	select {
	case <-p.readDone:
	case <-time.After(p.cfg.GracePeriod):
	}

	p.cancel()
	p.wg.Wait()
	return err
}

func (p *Process) kill() error {
	slog.Warn("proc: child stop timeout, force killing", "name", p.cfg.Name, "pid", p.Pid())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Error("proc: kill failed", "name", p.cfg.Name, "error", err)
	}
	<-p.done
	return ErrKilled
}

func (p *Process) readMessages(r io.ReadCloser) {
	defer p.wg.Done()
	defer close(p.readDone)
	defer close(p.messages)
	defer r.Close()

	dec := ipc.NewDecoder(r)
	for {
		env, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Error("proc: read from child failed", "name", p.cfg.Name, "error", err)
			}
			return
		}
		select {
		case p.messages <- env:
		case <-p.ctx.Done():
			return
		}
	}
}

// relayStderr maps the child's text log lines onto the parent's levels.
func (p *Process) relayStderr(r io.ReadCloser) {
	defer p.wg.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "level=ERROR"):
			slog.Error("proc: child log", "name", p.cfg.Name, "log", line)
		case strings.Contains(line, "level=WARN"):
			slog.Warn("proc: child log", "name", p.cfg.Name, "log", line)
		case strings.Contains(line, "level=INFO"):
			slog.Info("proc: child log", "name", p.cfg.Name, "log", line)
		default:
			slog.Debug("proc: child log", "name", p.cfg.Name, "log", line)
		}
	}
}

// waitProcess reaps the child so it never lingers as a zombie.
func (p *Process) waitProcess() {
	defer p.wg.Done()

	err := p.cmd.Wait()
	p.waitErr = err
	p.exited.Store(true)
	close(p.done)

	select {
	case <-p.ctx.Done():
		slog.Debug("proc: child exited (shutdown)", "name", p.cfg.Name, "error", err)
	default:
		if err != nil {
			slog.Error("proc: child exited unexpectedly", "name", p.cfg.Name, "error", err)
		} else {
			slog.Info("proc: child exited cleanly", "name", p.cfg.Name)
		}
	}
}

func (p *Process) heartbeat() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.Send(ipc.KindHeartbeat, nil); err != nil {
				slog.Debug("proc: heartbeat failed", "name", p.cfg.Name, "error", err)
				return
			}
		}
	}
}
