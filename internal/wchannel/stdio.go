package wchannel

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/workhive/workhive/internal/protocol"
)

// StdioChannel is the worker-side counterpart to ProcessChannel: envelopes
// arrive newline-framed on r (the worker's stdin) and are written the same
// way to w (its stdout). A real worker binary (cmd/demoworker) wires its
// Dispatcher onto NewStdio(os.Stdin, os.Stdout).
type StdioChannel struct {
	r io.Reader
	w io.Writer

	mu     sync.Mutex
	onMsg  func(protocol.Envelope)
	onExit func(ExitInfo)
	closed bool
}

// NewStdio starts reading r in the background and returns the channel. The
// exit handler fires once r reaches EOF or a Terminate call closes it.
func NewStdio(r io.Reader, w io.Writer) *StdioChannel {
	sc := &StdioChannel{r: r, w: w}
	go sc.readLoop()
	return sc
}

func (sc *StdioChannel) readLoop() {
	scanner := bufio.NewScanner(sc.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := protocol.Decode(line)
		if err != nil {
			slog.Warn("wchannel: malformed envelope from pool", "err", err)
			continue
		}
		sc.mu.Lock()
		handler := sc.onMsg
		sc.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
	sc.fireExit(scanner.Err())
}

func (sc *StdioChannel) fireExit(err error) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	handler := sc.onExit
	sc.mu.Unlock()
	if handler != nil {
		info := ExitInfo{}
		if err != nil {
			info.Err = err
		}
		handler(info)
	}
}

func (sc *StdioChannel) OnMessage(fn func(protocol.Envelope)) {
	sc.mu.Lock()
	sc.onMsg = fn
	sc.mu.Unlock()
}

func (sc *StdioChannel) OnExit(fn func(ExitInfo)) {
	sc.mu.Lock()
	sc.onExit = fn
	sc.mu.Unlock()
}

func (sc *StdioChannel) Send(env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return ErrClosed
	}
	_, err = sc.w.Write(b)
	return err
}

func (sc *StdioChannel) SupportsTransfer() bool { return false }

// Terminate closes the write side and, for force, exits the process
// directly: a worker cannot "kill itself" any other way once its stdin/
// stdout is all it has. Graceful shutdown normally happens via the
// dispatcher's own TERMINATE_ACK + os.Exit(0) instead of this path.
func (sc *StdioChannel) Terminate(ctx context.Context, force bool) error {
	sc.fireExit(nil)
	if force {
		os.Exit(1)
	}
	return nil
}
