// Package session drives one quiz attempt: question sequencing, countdown, lives and scoring.
package session

import (
	"time"

	"quizrank-service/internal/domain"
)

// Status is the machine's current state.
type Status string

const (
	StatusLoading   Status = "loading"
	StatusReady     Status = "ready"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusFeedback  Status = "feedback"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further transition is possible except Restart.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusAbandoned
}

// Config fixes the rules of a session.
type Config struct {
	Key         domain.QuizKey
	StudentID   string
	StudentName string
	MaxLives    int
	TimeLimit   time.Duration
}

// State is the full snapshot of a session. It is a value; Reduce never mutates its input.
type State struct {
	Config Config `json:"-"`

	Status         Status            `json:"status"`
	AttemptID      string            `json:"attemptId"`
	Questions      []domain.Question `json:"-"`
	CurrentIndex   int               `json:"currentIndex"`
	SelectedAnswer *string           `json:"selectedAnswer"`
	LivesRemaining int               `json:"livesRemaining"`
	Answers        []domain.Answer   `json:"answers"`

	StartedAt         time.Time     `json:"startedAt"`
	QuestionStartedAt time.Time     `json:"questionStartedAt"`
	PausedAt          time.Time     `json:"-"`
	QuestionPaused    time.Duration `json:"-"`

	Attempt *domain.Attempt `json:"attempt,omitempty"`
	Err     string          `json:"error,omitempty"`
}

// NewState returns the loading state for cfg.
func NewState(cfg Config) State {
	return State{Config: cfg, Status: StatusLoading, LivesRemaining: cfg.MaxLives}
}

// Current returns the question on screen, if any.
func (s State) Current() (domain.Question, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Questions) {
		return domain.Question{}, false
	}
	return s.Questions[s.CurrentIndex], true
}

// IsLast reports whether the current question is the final one.
func (s State) IsLast() bool {
	return s.CurrentIndex >= len(s.Questions)-1
}

// Snapshot is the client-facing projection of a State.
type Snapshot struct {
	Status         Status          `json:"status"`
	AttemptID      string          `json:"attemptId"`
	Quiz           domain.QuizKey  `json:"quiz"`
	QuestionIndex  int             `json:"questionIndex"`
	TotalQuestions int             `json:"totalQuestions"`
	Question       *QuestionView   `json:"question,omitempty"`
	LivesRemaining int             `json:"livesRemaining"`
	LastAnswer     *domain.Answer  `json:"lastAnswer,omitempty"`
	Attempt        *domain.Attempt `json:"attempt,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// QuestionView hides the canonical answer while a question is open.
type QuestionView struct {
	ID               string   `json:"id"`
	Prompt           string   `json:"prompt"`
	Options          []string `json:"options"`
	TimeLimitSeconds int      `json:"timeLimitSeconds"`
}

// Snapshot projects the state for display.
func (s State) Snapshot() Snapshot {
	snap := Snapshot{
		Status:         s.Status,
		AttemptID:      s.AttemptID,
		Quiz:           s.Config.Key,
		QuestionIndex:  s.CurrentIndex,
		TotalQuestions: len(s.Questions),
		LivesRemaining: s.LivesRemaining,
		Attempt:        s.Attempt,
		Error:          s.Err,
	}
	if q, ok := s.Current(); ok && (s.Status == StatusActive || s.Status == StatusPaused || s.Status == StatusFeedback) {
		snap.Question = &QuestionView{
			ID:               q.ID,
			Prompt:           q.Prompt,
			Options:          q.Options,
			TimeLimitSeconds: int(s.Config.TimeLimit / time.Second),
		}
	}
	if s.Status == StatusFeedback && len(s.Answers) > 0 {
		last := s.Answers[len(s.Answers)-1]
		snap.LastAnswer = &last
	}
	return snap
}

// Rules are the tunable parameters shared by every session of a deployment.
type Rules struct {
	MaxLives   int
	TimeLimits map[domain.Difficulty]time.Duration
}

// DefaultRules returns three lives and 15s, 10s and 7s per question for easy, medium and hard.
func DefaultRules() Rules {
	return Rules{
		MaxLives: 3,
		TimeLimits: map[domain.Difficulty]time.Duration{
			domain.DifficultyEasy:   15 * time.Second,
			domain.DifficultyMedium: 10 * time.Second,
			domain.DifficultyHard:   7 * time.Second,
		},
	}
}

// Config builds the session config of one student for key. Missing values fall back to the
// defaults.
func (r Rules) Config(key domain.QuizKey, studentID, studentName string) Config {
	def := DefaultRules()
	lives := r.MaxLives
	if lives <= 0 {
		lives = def.MaxLives
	}
	limit, ok := r.TimeLimits[key.Difficulty]
	if !ok || limit <= 0 {
		limit = def.TimeLimits[key.Difficulty]
	}
	return Config{
		Key:         key,
		StudentID:   studentID,
		StudentName: studentName,
		MaxLives:    lives,
		TimeLimit:   limit,
	}
}
