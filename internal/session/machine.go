package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"quizrank-service/internal/domain"
	"quizrank-service/internal/timer"
)

// QuestionSource fetches the question bank for a level and week.
type QuestionSource interface {
	FetchQuestions(ctx context.Context, levelID string, weekNo int) ([]domain.Question, error)
}

// Recorder persists a finalized attempt. It must be idempotent on attempt id.
type Recorder interface {
	Record(ctx context.Context, attempt domain.Attempt) (domain.Submission, error)
}

// Options carries the machine's collaborators. Zero values fall back to defaults.
type Options struct {
	Clock        timer.Clock
	Logger       *zap.Logger
	NewAttemptID func() string
	// OnChange runs under the machine lock after every effective transition; it must not
	// block or call back into the machine.
	OnChange   func(State)
	OnRecorded func(domain.Submission, error)
	Backoff    func() backoff.BackOff
}

// Machine runs Reduce and the side effects that follow each transition: arming the timer and
// handing the finished attempt to the Recorder. Dispatch is serialized.
type Machine struct {
	ctx      context.Context
	recorder Recorder
	clock    timer.Clock
	log      *zap.Logger
	opts     Options

	mu       sync.Mutex
	state    State
	timer    *timer.Timer
	armedGen uint64
	wg       sync.WaitGroup
}

// NewMachine builds a machine in the loading state. ctx bounds persistence retries and may
// outlive the client connection.
func NewMachine(ctx context.Context, cfg Config, recorder Recorder, opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = timer.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewAttemptID == nil {
		opts.NewAttemptID = uuid.NewString
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Minute
			return b
		}
	}
	m := &Machine{
		ctx:      ctx,
		recorder: recorder,
		clock:    opts.Clock,
		log: opts.Logger.With(
			zap.String("student", cfg.StudentID),
			zap.Stringer("quiz", cfg.Key),
		),
		opts:  opts,
		state: NewState(cfg),
	}
	m.timer = timer.New(opts.Clock, m.expire)
	return m
}

// Load fetches the questions for the configured quiz and moves to ready or error.
func (m *Machine) Load(ctx context.Context, src QuestionSource) State {
	key := m.State().Config.Key
	all, err := src.FetchQuestions(ctx, key.LevelID, key.WeekNo)
	if err != nil {
		m.log.Warn("question fetch failed", zap.Error(err))
		return m.Dispatch(SetError{Err: err})
	}
	questions := make([]domain.Question, 0, len(all))
	for _, q := range all {
		if q.Difficulty == key.Difficulty {
			questions = append(questions, q)
		}
	}
	if len(questions) == 0 {
		return m.Dispatch(SetError{Err: fmt.Errorf("%w: %s", domain.ErrQuestionsNotFound, key)})
	}
	return m.Dispatch(InitializeSuccess{Questions: questions, AttemptID: m.opts.NewAttemptID()})
}

// Dispatch applies a to the current state and runs the resulting effects.
func (m *Machine) Dispatch(a Action) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepLocked(a)
}

func (m *Machine) Start() State { return m.Dispatch(StartQuiz{At: m.clock.Now()}) }

func (m *Machine) Select(answer string) State {
	return m.Dispatch(SelectAnswer{Answer: answer, At: m.clock.Now()})
}

func (m *Machine) Advance() State { return m.Dispatch(Advance{At: m.clock.Now()}) }

func (m *Machine) TogglePause() State { return m.Dispatch(TogglePause{At: m.clock.Now()}) }

func (m *Machine) Finish() State { return m.Dispatch(Complete{At: m.clock.Now()}) }

func (m *Machine) Restart() State { return m.Dispatch(Restart{AttemptID: m.opts.NewAttemptID()}) }

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Remaining reports the countdown left on the current question.
func (m *Machine) Remaining() time.Duration {
	return m.timer.Remaining()
}

// Close tears the session down: the pending expiry is cancelled and a session that has not
// finished is abandoned. Persistence already in flight keeps running.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Status.Terminal() {
		m.stepLocked(Abandon{At: m.clock.Now()})
	}
	m.timer.Stop()
}

// Wait blocks until in-flight persistence has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}

func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.armedGen {
		return
	}
	m.stepLocked(TimeUp{At: m.clock.Now()})
}

func (m *Machine) stepLocked(a Action) State {
	prev := m.state
	next := Reduce(prev, a)
	m.state = next

	switch {
	case next.Status == StatusActive && (prev.Status == StatusReady || prev.Status == StatusFeedback):
		m.armedGen = m.timer.Reset(next.Config.TimeLimit)
	case prev.Status == StatusActive && next.Status == StatusPaused:
		m.timer.Pause()
	case prev.Status == StatusPaused && next.Status == StatusActive:
		m.timer.Resume()
	case prev.Status != next.Status && next.Status != StatusActive && next.Status != StatusPaused:
		m.timer.Stop()
	}

	if next.Status == StatusCompleted && prev.Status != StatusCompleted && next.Attempt != nil {
		m.log.Info("attempt completed",
			zap.String("attempt", next.Attempt.ID),
			zap.Int("score", next.Attempt.Score),
			zap.String("reason", string(next.Attempt.EndReason)),
		)
		m.persistLocked(*next.Attempt)
	}
	if next.Status == StatusError && prev.Status != StatusError {
		m.log.Warn("session failed", zap.String("error", next.Err))
	}

	if m.opts.OnChange != nil && Changed(prev, next) {
		m.opts.OnChange(next)
	}
	return next
}

func (m *Machine) persistLocked(attempt domain.Attempt) {
	if m.recorder == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var result domain.Submission
		op := func() error {
			res, err := m.recorder.Record(m.ctx, attempt)
			if err != nil {
				if !domain.Retryable(err) && domain.Classified(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			result = res
			return nil
		}
		notify := func(err error, wait time.Duration) {
			m.log.Warn("attempt persistence failed, retrying",
				zap.String("attempt", attempt.ID),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}
		err := backoff.RetryNotify(op, backoff.WithContext(m.opts.Backoff(), m.ctx), notify)
		if err != nil {
			m.log.Error("attempt not persisted", zap.String("attempt", attempt.ID), zap.Error(err))
		}
		if m.opts.OnRecorded != nil {
			m.opts.OnRecorded(result, err)
		}
	}()
}

// Changed reports whether next differs from prev in a way a viewer can see.
func Changed(prev, next State) bool {
	return prev.Status != next.Status ||
		prev.CurrentIndex != next.CurrentIndex ||
		prev.AttemptID != next.AttemptID ||
		len(prev.Answers) != len(next.Answers)
}
