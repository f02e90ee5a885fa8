package session

import (
	"time"

	"quizrank-service/internal/domain"
)

// Action is one event fed to Reduce. The set of variants is closed.
type Action interface {
	action()
}

// InitializeSuccess delivers the question set and the attempt id; loading → ready.
type InitializeSuccess struct {
	Questions []domain.Question
	AttemptID string
}

// StartQuiz begins play; ready → active.
type StartQuiz struct{ At time.Time }

// SelectAnswer records the student's choice for the current question.
type SelectAnswer struct {
	Answer string
	At     time.Time
}

// TimeUp records a timeout for the current question.
type TimeUp struct{ At time.Time }

// Advance leaves the feedback screen.
type Advance struct{ At time.Time }

// TogglePause switches between active and paused.
type TogglePause struct{ At time.Time }

// Complete finishes the attempt from the feedback screen without visiting the remaining questions.
type Complete struct{ At time.Time }

// Restart discards the attempt and returns to ready with a fresh attempt id.
type Restart struct{ AttemptID string }

// SetError moves the machine to the error state.
type SetError struct{ Err error }

// Abandon discards a session torn down before completion.
type Abandon struct{ At time.Time }

func (InitializeSuccess) action() {}
func (StartQuiz) action()         {}
func (SelectAnswer) action()      {}
func (TimeUp) action()            {}
func (Advance) action()           {}
func (TogglePause) action()       {}
func (Complete) action()          {}
func (Restart) action()           {}
func (SetError) action()          {}
func (Abandon) action()           {}
