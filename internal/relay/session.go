package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"airwave-live/internal/observability/metrics"
)

// State tracks a session through its lifecycle. Transitions only move
// forward: STARTING -> STREAMING -> CLOSING -> CLOSED.
type State string

const (
	StateStarting  State = "STARTING"
	StateStreaming State = "STREAMING"
	StateClosing   State = "CLOSING"
	StateClosed    State = "CLOSED"
)

// ErrSessionClosed is returned for writes against a session that is no
// longer streaming.
var ErrSessionClosed = errors.New("relay session closed")

// Session pipes one DJ's audio into a dedicated encoder process feeding the
// Icecast mount. Writes are serialized so chunks reach the encoder in the
// order the broadcaster sent them.
type Session struct {
	ID          string
	BroadcastID string
	DJUserID    string

	proc     encoderProcess
	logger   *slog.Logger
	recorder *metrics.Recorder
	grace    time.Duration

	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	finishOnce sync.Once
	finished   chan struct{}
	finishErr  error
}

type finishMode int

const (
	finishOrderly finishMode = iota
	finishAbort
	finishExited
)

// State reports the session's current lifecycle phase.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// WriteChunk feeds one audio chunk to the encoder. A transport failure tears
// the session down immediately; a partial stream on the mount is worse than
// a dropped one.
func (s *Session) WriteChunk(chunk []byte) error {
	if s.State() != StateStreaming {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() != StateStreaming {
		return ErrSessionClosed
	}
	if _, err := s.proc.Input().Write(chunk); err != nil {
		s.logger.Error("encoder write failed, aborting session", "error", err)
		go s.finish(finishAbort)
		return fmt.Errorf("write audio chunk: %w", err)
	}
	return nil
}

// Close ends the session in an orderly fashion: the encoder's stdin is
// closed so it can flush its output buffers, and the process is killed only
// if it overstays the shutdown grace period.
func (s *Session) Close() error {
	s.finish(finishOrderly)
	<-s.finished
	return s.finishErr
}

// Abort kills the encoder immediately without draining. Used when the
// broadcaster connection drops mid-stream.
func (s *Session) Abort() {
	s.finish(finishAbort)
	<-s.finished
}

// Finished closes once the session has fully torn down, whether by Close,
// Abort, or the encoder exiting on its own.
func (s *Session) Finished() <-chan struct{} {
	return s.finished
}

func (s *Session) finish(mode finishMode) {
	s.finishOnce.Do(func() {
		s.setState(StateClosing)
		switch mode {
		case finishOrderly:
			if err := s.proc.Input().Close(); err != nil {
				s.logger.Warn("closing encoder stdin", "error", err)
			}
			select {
			case <-s.proc.Done():
			case <-time.After(s.grace):
				s.logger.Warn("encoder did not drain in time, killing", "grace", s.grace)
				s.proc.Kill()
				<-s.proc.Done()
			}
			s.recorder.RelayStopped()
		case finishAbort:
			s.proc.Kill()
			<-s.proc.Done()
			s.recorder.RelayAborted()
		case finishExited:
			<-s.proc.Done()
			if err := s.proc.Err(); err != nil {
				s.finishErr = fmt.Errorf("encoder exited: %w", err)
				s.recorder.RelayAborted()
			} else {
				s.recorder.RelayStopped()
			}
		}
		s.setState(StateClosed)
		s.logger.Info("relay session closed", "state", StateClosed)
		close(s.finished)
	})
}
