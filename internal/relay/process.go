package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// encoderProcess abstracts the running encoder so sessions can be driven in
// tests without an ffmpeg binary on PATH.
type encoderProcess interface {
	// Input is the pipe the browser's audio chunks are written into.
	Input() io.WriteCloser
	// Done closes once the process has fully exited.
	Done() <-chan struct{}
	// Err reports the exit error. Only valid after Done has closed.
	Err() error
	// Kill terminates the process immediately.
	Kill()
}

type launchFunc func(ctx context.Context, args []string, logger *slog.Logger) (encoderProcess, error)

type ffmpegProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	done   chan struct{}
	err    error
}

// launchFFmpeg starts the encoder detached from the caller's context: the
// request that opened the broadcaster socket must not take the encoder down
// with it when it completes.
func launchFFmpeg(ctx context.Context, args []string, logger *slog.Logger) (encoderProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, "ffmpeg", args...)
	cmd.Stdout = newLogWriter(logger, "stdout")
	cmd.Stderr = newLogWriter(logger, "stderr")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	proc := &ffmpegProcess{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		done:   make(chan struct{}),
	}
	go func() {
		proc.err = cmd.Wait()
		cancel()
		close(proc.done)
	}()
	return proc, nil
}

func (p *ffmpegProcess) Input() io.WriteCloser { return p.stdin }
func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }
func (p *ffmpegProcess) Err() error            { return p.err }
func (p *ffmpegProcess) Kill()                 { p.cancel() }

// logWriter forwards encoder output to the session logger line by line so
// ffmpeg's progress spam stays greppable.
type logWriter struct {
	logger *slog.Logger
	stream string
	buf    strings.Builder
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		text := w.buf.String()
		idx := strings.IndexAny(text, "\r\n")
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(text[:idx])
		w.buf.Reset()
		w.buf.WriteString(text[idx+1:])
		if line != "" {
			w.logger.Debug("encoder output", "stream", w.stream, "line", line)
		}
	}
	return len(p), nil
}
