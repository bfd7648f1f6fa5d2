package wchannel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/workhive/workhive/internal/protocol"
)

// ProcessOptions configures a ProcessChannel spawn.
type ProcessOptions struct {
	// Command and Args launch the worker script, e.g. Command="go",
	// Args=["run", "./cmd/demoworker"], or a pre-built binary path.
	Command string
	Args    []string
	Env     []string
	Dir     string

	// EmitStdStreams surfaces the child's stderr lines as log events
	// instead of discarding them (mirrors the pool's emitStdStreams
	// option).
	EmitStdStreams bool
}

// ProcessChannel is a WorkerChannel backed by an os/exec child process.
// Envelopes are framed one JSON object per line over the child's
// stdin/stdout. Like an OS pipe, this transport always copies binary
// regions, so SupportsTransfer reports false.
type ProcessChannel struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	stdin    io.WriteCloser
	closed   bool
	onMsg    func(protocol.Envelope)
	onExit   func(ExitInfo)
	exitOnce sync.Once
	exitedCh chan struct{}
}

// StartProcess spawns the worker process described by opts and begins
// reading its stdout in the background. OnMessage/OnExit may be registered
// before or after Start; messages arriving before a handler is registered
// are not buffered (register before any concurrent traffic is expected).
func StartProcess(opts ProcessOptions) (*ProcessChannel, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("wchannel: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("wchannel: stdout pipe: %w", err)
	}
	var stderr io.ReadCloser
	if opts.EmitStdStreams {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("wchannel: stderr pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("wchannel: start worker: %w", err)
	}

	pc := &ProcessChannel{cmd: cmd, stdin: stdin, exitedCh: make(chan struct{})}

	go pc.readLoop(stdout)
	if stderr != nil {
		go pc.drainStderr(stderr)
	}
	go pc.waitLoop()

	return pc, nil
}

func (pc *ProcessChannel) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := protocol.Decode(line)
		if err != nil {
			slog.Warn("wchannel: malformed envelope from worker", "err", err)
			continue
		}
		pc.mu.Lock()
		handler := pc.onMsg
		pc.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

func (pc *ProcessChannel) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Info("worker stderr", "line", scanner.Text())
	}
}

func (pc *ProcessChannel) waitLoop() {
	err := pc.cmd.Wait()
	info := ExitInfo{}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			info.Code = exitErr.ExitCode()
		} else {
			info.Err = err
		}
	}
	pc.mu.Lock()
	pc.closed = true
	handler := pc.onExit
	pc.mu.Unlock()
	close(pc.exitedCh)
	pc.exitOnce.Do(func() {
		if handler != nil {
			handler(info)
		}
	})
}

func (pc *ProcessChannel) OnMessage(fn func(protocol.Envelope)) {
	pc.mu.Lock()
	pc.onMsg = fn
	pc.mu.Unlock()
}

func (pc *ProcessChannel) OnExit(fn func(ExitInfo)) {
	pc.mu.Lock()
	pc.onExit = fn
	pc.mu.Unlock()
}

func (pc *ProcessChannel) Send(env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrClosed
	}
	_, err = pc.stdin.Write(b)
	return err
}

// SupportsTransfer implements TransferCapable: an OS pipe always copies.
func (pc *ProcessChannel) SupportsTransfer() bool { return false }

func (pc *ProcessChannel) Terminate(ctx context.Context, force bool) error {
	pc.mu.Lock()
	already := pc.closed
	pc.mu.Unlock()
	if already {
		return nil
	}

	if force {
		return pc.kill(ctx)
	}

	pc.mu.Lock()
	_ = pc.stdin.Close()
	pc.mu.Unlock()

	select {
	case <-pc.exitedCh:
		return nil
	case <-ctx.Done():
		return pc.kill(context.Background())
	}
}

func (pc *ProcessChannel) kill(ctx context.Context) error {
	if pc.cmd.Process != nil {
		if err := pc.cmd.Process.Kill(); err != nil && pc.cmd.ProcessState == nil {
			return err
		}
	}
	select {
	case <-pc.exitedCh:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("wchannel: worker did not exit after kill")
	case <-ctx.Done():
		return ctx.Err()
	}
}
