// Package runner launches the external inventory tool and streams its
// output to per-scan log files.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
)

// Log streams
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

var (
	errTimedOut = errors.New("process timed out")
	errCanceled = errors.New("process canceled")
)

// Command is one concrete invocation
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// Argv returns path followed by args
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// Result describes how a process ended
type Result struct {
	ExitCode int
	Started  time.Time
	Stopped  time.Time
	Duration time.Duration
	TimedOut bool
	Canceled bool
	// Err is the raw wait error, nil on exit code 0
	Err error
}

// Runner starts processes and owns the log directory layout
type Runner struct {
	logDir    string
	waitDelay time.Duration
	logger    *telemetry.Logger
}

// Option configures a Runner
type Option func(*Runner)

// WithWaitDelay bounds how long Wait waits for output pipes after the process is killed
func WithWaitDelay(d time.Duration) Option {
	return func(r *Runner) { r.waitDelay = d }
}

// WithLogger sets the logger stderr lines are mirrored to
func WithLogger(l *telemetry.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a runner writing logs under logDir/<scan_id>/
func New(logDir string, opts ...Option) *Runner {
	r := &Runner{
		logDir:    logDir,
		waitDelay: 5 * time.Second,
		logger:    telemetry.NewLogger("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LogDir returns the directory holding a scan's log sinks
func (r *Runner) LogDir(scanID string) string {
	return filepath.Join(r.logDir, scanID)
}

// LogPath returns the file backing a stream
func (r *Runner) LogPath(scanID, stream string) (string, error) {
	switch stream {
	case StreamStdout, StreamStderr:
		return filepath.Join(r.LogDir(scanID), stream+".log"), nil
	default:
		return "", fmt.Errorf("unknown log stream %q", stream)
	}
}

// Process is a started tool invocation
type Process struct {
	cmd      *exec.Cmd
	cancel   context.CancelCauseFunc
	done     chan struct{}
	result   Result
	canceled atomic.Bool
	sinks    []io.Closer
}

// Start launches cmd. Output is appended to the scan's stdout.log and
// stderr.log as it is produced. Launch failures wrap types.ErrLaunch.
func (r *Runner) Start(ctx context.Context, scanID string, cmd Command) (*Process, error) {
	dir := r.LogDir(scanID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	stdout, err := openSink(filepath.Join(dir, StreamStdout+".log"))
	if err != nil {
		return nil, err
	}
	stderrFile, err := openSink(filepath.Join(dir, StreamStderr+".log"))
	if err != nil {
		_ = stdout.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	if cmd.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, cmd.Timeout, errTimedOut)
		parentCancel := cancel
		cancel = func(cause error) {
			parentCancel(cause)
			cancelTimeout()
		}
	} else {
		r.logger.Warn().Str("scan_id", scanID).Str("path", cmd.Path).Msg("command has no timeout")
	}

	scanLog := r.logger.ForScan(scanID)
	stderr := newLineWriter(stderrFile, func(line string) {
		scanLog.Debug().Str("stream", StreamStderr).Msg(line)
	})

	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = r.waitDelay
	isolateProcessGroup(c)

	p := &Process{
		cmd:    c,
		cancel: cancel,
		done:   make(chan struct{}),
		sinks:  []io.Closer{stderr, stdout, stderrFile},
	}

	p.result.Started = time.Now().UTC()
	if err := c.Start(); err != nil {
		cancel(nil)
		p.closeSinks()
		return nil, fmt.Errorf("%w: %s: %v", types.ErrLaunch, cmd.Path, err)
	}

	scanLog.Info().Int("pid", c.Process.Pid).Strs("argv", cmd.Argv()).Msg("tool started")

	go p.wait(runCtx)
	return p, nil
}

// Run starts cmd and waits for it to finish
func (r *Runner) Run(ctx context.Context, scanID string, cmd Command) (Result, error) {
	p, err := r.Start(ctx, scanID, cmd)
	if err != nil {
		return Result{}, err
	}
	return p.Wait(), nil
}

func (p *Process) wait(runCtx context.Context) {
	err := p.cmd.Wait()
	stopped := time.Now().UTC()

	res := p.result
	res.Stopped = stopped
	res.Duration = stopped.Sub(res.Started)
	res.Err = err

	cause := context.Cause(runCtx)
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(cause, errTimedOut):
		res.TimedOut = true
		res.ExitCode = types.ExitCodeTimeout
	case p.canceled.Load() || runCtx.Err() != nil:
		res.Canceled = true
		res.ExitCode = types.ExitCodeCanceled
	case p.cmd.ProcessState != nil:
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	default:
		res.ExitCode = -1
	}

	// Descendants that outlived the tool are killed before the result is published
	_ = killProcessGroup(p.cmd)
	p.cancel(nil)
	p.closeSinks()
	p.result = res
	close(p.done)
}

func (p *Process) closeSinks() {
	for _, c := range p.sinks {
		_ = c.Close()
	}
}

// Wait blocks until the process has exited and its sinks are closed
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}

// Done is closed when the process has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Cancel kills the process; Wait reports ExitCodeCanceled
func (p *Process) Cancel() {
	p.canceled.Store(true)
	p.cancel(errCanceled)
}

// Pid returns the OS process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// OpenLog opens a log sink for streaming
func (r *Runner) OpenLog(scanID, stream string) (io.ReadCloser, error) {
	path, err := r.LogPath(scanID, stream)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s log for %s: %w", stream, scanID, types.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// ReadLog returns the full contents of a log sink
func (r *Runner) ReadLog(scanID, stream string) ([]byte, error) {
	f, err := r.OpenLog(scanID, stream)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// RemoveLogs deletes a scan's log directory
func (r *Runner) RemoveLogs(scanID string) error {
	return os.RemoveAll(r.LogDir(scanID))
}

func openSink(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}
	return f, nil
}

// lineWriter forwards bytes to w and reports each complete line
type lineWriter struct {
	mu     sync.Mutex
	w      io.Writer
	onLine func(string)
	buf    []byte
}

func newLineWriter(w io.Writer, onLine func(string)) *lineWriter {
	return &lineWriter{w: w, onLine: onLine}
}

func (l *lineWriter) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.w.Write(b)
	l.buf = append(l.buf, b[:n]...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.onLine(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	// A line longer than 64KiB is reported in pieces
	if len(l.buf) > 64*1024 {
		l.onLine(string(l.buf))
		l.buf = nil
	}
	return n, err
}

// Close reports a trailing partial line
func (l *lineWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.onLine(string(l.buf))
		l.buf = nil
	}
	return nil
}
