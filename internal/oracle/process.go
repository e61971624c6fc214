package oracle

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// ErrOracleClosed is returned when the oracle is not loaded or has shut down
var ErrOracleClosed = errors.New("oracle closed")

// maxMessageSize bounds a single framed message from the worker
const maxMessageSize = 64 << 20

// ProcessConfig configures an external face worker
type ProcessConfig struct {
	Command string
	Args    []string
	// StopTimeout is how long Close waits for the worker before killing it
	StopTimeout time.Duration
}

// request is one frame sent to the worker
type request struct {
	ID        uint64 `msgpack:"id"`
	FrameData []byte `msgpack:"frame_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	TraceID   string `msgpack:"trace_id"`
}

// response is either the ready handshake or the answer to one request
type response struct {
	ID    uint64     `msgpack:"id"`
	Ready bool       `msgpack:"ready"`
	Faces []wireFace `msgpack:"faces"`
	Error string     `msgpack:"error"`
}

type wireFace struct {
	TopLeft     types.Point   `msgpack:"top_left"`
	BottomRight types.Point   `msgpack:"bottom_right"`
	Landmarks   []types.Point `msgpack:"landmarks"`
	Probability float64       `msgpack:"probability"`
}

// ProcessStats contains worker counters
type ProcessStats struct {
	Requests  uint64
	Responses uint64
	Failures  uint64
	Orphans   uint64
	Pending   int
	Running   bool
}

// Process runs face estimation in a subprocess. Frames go to stdin and
// results come back on stdout, both as msgpack messages behind a 4-byte
// big-endian length prefix. The worker first answers with {"ready": true}
// once its model is loaded. Requests carry an id so concurrent estimates
// can be answered in any order.
type Process struct {
	cfg ProcessConfig

	// spawn starts the worker and returns its stdin and stdout
	spawn func() (io.WriteCloser, io.ReadCloser, error)

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[uint64]chan response
	nextID  atomic.Uint64

	readyOnce sync.Once
	readyCh   chan struct{}
	done      chan struct{}
	readErr   atomic.Pointer[error]

	started atomic.Bool
	ready   atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	requests  atomic.Uint64
	responses atomic.Uint64
	failures  atomic.Uint64
	orphans   atomic.Uint64
}

// NewProcess creates the oracle; the worker is spawned by Load
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	p := &Process{
		cfg:     cfg,
		pending: make(map[uint64]chan response),
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.spawn = p.spawnProcess
	return p
}

// Load spawns the worker and waits for its ready message
func (p *Process) Load(ctx context.Context) error {
	if p.closed.Load() {
		return ErrOracleClosed
	}
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("oracle: worker already started")
	}

	stdin, stdout, err := p.spawn()
	if err != nil {
		p.readErr.Store(&err)
		close(p.done)
		return fmt.Errorf("oracle: failed to start worker: %w", err)
	}
	p.stdin = stdin
	p.stdout = stdout

	p.wg.Add(1)
	go p.readResults()

	select {
	case <-p.readyCh:
		p.ready.Store(true)
		slog.Info("oracle: face worker ready", "command", p.cfg.Command)
		return nil
	case <-p.done:
		return fmt.Errorf("oracle: worker exited before ready: %w", p.lastErr())
	case <-ctx.Done():
		p.Close()
		return fmt.Errorf("oracle: waiting for worker: %w", ctx.Err())
	}
}

func (p *Process) spawnProcess() (io.WriteCloser, io.ReadCloser, error) {
	if p.cfg.Command == "" {
		return nil, nil, fmt.Errorf("command is required")
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	p.cmd = cmd

	slog.Info("oracle: face worker spawned",
		"command", p.cfg.Command,
		"pid", cmd.Process.Pid,
	)

	logged := make(chan struct{})
	p.wg.Add(2)
	go func() {
		defer close(logged)
		p.logStderr(stderr)
	}()
	go p.waitProcess(logged)

	return stdin, stdout, nil
}

// EstimateFaces sends the frame to the worker and waits for its answer
func (p *Process) EstimateFaces(ctx context.Context, frame *types.Frame) ([]types.Face, error) {
	if !p.ready.Load() || p.closed.Load() {
		return nil, ErrOracleClosed
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	id := p.nextID.Add(1)
	ch := make(chan response, 1)
	p.pendMu.Lock()
	p.pending[id] = ch
	p.pendMu.Unlock()

	req := request{
		ID:        id,
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    "rgb24",
		TraceID:   frame.TraceID,
	}

	// A hung worker must not block the caller past its deadline
	writeErr := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		writeErr <- writeMessage(p.stdin, &req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			p.forget(id)
			p.failures.Add(1)
			return nil, fmt.Errorf("oracle: failed to send frame: %w", err)
		}
	case <-ctx.Done():
		p.forget(id)
		p.failures.Add(1)
		return nil, fmt.Errorf("oracle: sending frame: %w", ctx.Err())
	}
	p.requests.Add(1)

	select {
	case resp := <-ch:
		if resp.Error != "" {
			p.failures.Add(1)
			return nil, fmt.Errorf("oracle: worker error: %s", resp.Error)
		}
		faces := make([]types.Face, 0, len(resp.Faces))
		for _, f := range resp.Faces {
			faces = append(faces, types.Face{
				TopLeft:     f.TopLeft,
				BottomRight: f.BottomRight,
				Landmarks:   f.Landmarks,
				Confidence:  f.Probability,
			})
		}
		return faces, nil
	case <-p.done:
		p.forget(id)
		p.failures.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrOracleClosed, p.lastErr())
	case <-ctx.Done():
		p.forget(id)
		p.failures.Add(1)
		return nil, fmt.Errorf("oracle: waiting for result: %w", ctx.Err())
	}
}

func (p *Process) forget(id uint64) {
	p.pendMu.Lock()
	delete(p.pending, id)
	p.pendMu.Unlock()
}

// readResults demultiplexes worker messages by id until stdout closes
func (p *Process) readResults() {
	defer p.wg.Done()
	defer close(p.done)

	for {
		var resp response
		if err := readMessage(p.stdout, &resp); err != nil {
			if p.closed.Load() || errors.Is(err, io.EOF) {
				slog.Debug("oracle: worker output closed", "error", err)
			} else {
				slog.Error("oracle: failed to read worker output", "error", err)
			}
			p.readErr.Store(&err)
			return
		}

		if resp.Ready {
			p.readyOnce.Do(func() { close(p.readyCh) })
			continue
		}

		p.pendMu.Lock()
		ch, ok := p.pending[resp.ID]
		delete(p.pending, resp.ID)
		p.pendMu.Unlock()

		if !ok {
			// caller gave up on this request
			p.orphans.Add(1)
			slog.Debug("oracle: dropping response with no waiter", "id", resp.ID)
			continue
		}
		p.responses.Add(1)
		ch <- resp
	}
}

// logStderr maps worker log levels onto slog
func (p *Process) logStderr(stderr io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("oracle: worker error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("oracle: worker warning", "log", line)
		default:
			slog.Debug("oracle: worker log", "log", line)
		}
	}
}

// waitProcess reaps the worker once its pipes are drained
func (p *Process) waitProcess(logged <-chan struct{}) {
	defer p.wg.Done()

	<-p.done
	<-logged

	pid := p.cmd.Process.Pid
	if err := p.cmd.Wait(); err != nil {
		if p.closed.Load() {
			slog.Debug("oracle: worker exited (shutdown)", "pid", pid, "error", err)
		} else {
			slog.Error("oracle: worker exited unexpectedly", "pid", pid, "error", err)
		}
		return
	}
	slog.Info("oracle: worker exited cleanly", "pid", pid)
}

func (p *Process) lastErr() error {
	if e := p.readErr.Load(); e != nil {
		return *e
	}
	return io.EOF
}

// Close closes the worker's stdin and waits for it to exit, killing it
// after StopTimeout. Idempotent.
func (p *Process) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.ready.Store(false)
	if !p.started.Load() {
		return nil
	}

	if p.stdin != nil {
		p.stdin.Close()
	}

	var err error
	select {
	case <-p.done:
	case <-time.After(p.cfg.StopTimeout):
		if p.cmd != nil && p.cmd.Process != nil {
			slog.Warn("oracle: worker did not exit, killing",
				"pid", p.cmd.Process.Pid,
				"timeout", p.cfg.StopTimeout,
			)
			p.cmd.Process.Kill()
		} else if p.stdout != nil {
			p.stdout.Close()
		}
		err = fmt.Errorf("oracle: worker did not exit within %v", p.cfg.StopTimeout)
	}

	p.wg.Wait()
	return err
}

// Stats returns a snapshot of the worker counters
func (p *Process) Stats() ProcessStats {
	p.pendMu.Lock()
	pending := len(p.pending)
	p.pendMu.Unlock()

	return ProcessStats{
		Requests:  p.requests.Load(),
		Responses: p.responses.Load(),
		Failures:  p.failures.Load(),
		Orphans:   p.orphans.Load(),
		Pending:   pending,
		Running:   p.ready.Load(),
	}
}

// writeMessage writes one length-prefixed msgpack message
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err = w.Write(buf)
	return err
}

// readMessage reads one length-prefixed msgpack message
func readMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxMessageSize {
		return fmt.Errorf("message length %d exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
