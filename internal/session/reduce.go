package session

import (
	"math"
	"time"

	"quizrank-service/internal/domain"
	"quizrank-service/internal/scoring"
)

// Reduce applies a to s and returns the next state. It performs no I/O and reads no clock;
// actions that are not legal in the current state leave it unchanged.
func Reduce(s State, a Action) State {
	switch act := a.(type) {
	case InitializeSuccess:
		if s.Status != StatusLoading {
			return s
		}
		if len(act.Questions) == 0 {
			return fail(s, domain.ErrQuestionsNotFound)
		}
		s.Questions = act.Questions
		s.AttemptID = act.AttemptID
		s.Status = StatusReady
		return s

	case StartQuiz:
		if s.Status != StatusReady {
			return s
		}
		s.Status = StatusActive
		s.CurrentIndex = 0
		s.LivesRemaining = s.Config.MaxLives
		s.Answers = nil
		s.SelectedAnswer = nil
		s.StartedAt = act.At
		s.QuestionStartedAt = act.At
		s.QuestionPaused = 0
		return s

	case SelectAnswer:
		if s.Status != StatusActive {
			return s
		}
		answer := act.Answer
		return record(s, &answer, activeSeconds(s, act.At))

	case TimeUp:
		if s.Status != StatusActive {
			return s
		}
		return record(s, nil, int(s.Config.TimeLimit/time.Second))

	case Advance:
		if s.Status != StatusFeedback {
			return s
		}
		if s.IsLast() || s.LivesRemaining <= 0 {
			return finalize(s, act.At)
		}
		s.CurrentIndex++
		s.SelectedAnswer = nil
		s.QuestionStartedAt = act.At
		s.QuestionPaused = 0
		s.Status = StatusActive
		return s

	case TogglePause:
		switch s.Status {
		case StatusActive:
			s.Status = StatusPaused
			s.PausedAt = act.At
		case StatusPaused:
			s.Status = StatusActive
			s.QuestionPaused += act.At.Sub(s.PausedAt)
			s.PausedAt = time.Time{}
		}
		return s

	case Complete:
		if s.Status != StatusFeedback {
			return s
		}
		return finalize(s, act.At)

	case Restart:
		switch s.Status {
		case StatusReady, StatusActive, StatusPaused, StatusFeedback, StatusCompleted:
		default:
			return s
		}
		next := NewState(s.Config)
		next.Questions = s.Questions
		next.AttemptID = act.AttemptID
		next.Status = StatusReady
		return next

	case SetError:
		if s.Status.Terminal() {
			return s
		}
		return fail(s, act.Err)

	case Abandon:
		if s.Status.Terminal() {
			return s
		}
		s.Status = StatusAbandoned
		s.SelectedAnswer = nil
		return s
	}
	return s
}

// record appends the answer for the current question and moves to feedback.
func record(s State, selected *string, taken int) State {
	q, ok := s.Current()
	if !ok {
		return s
	}
	correct := scoring.IsCorrect(q, selected)

	answers := make([]domain.Answer, len(s.Answers), len(s.Answers)+1)
	copy(answers, s.Answers)
	s.Answers = append(answers, domain.Answer{
		QuestionID:       q.ID,
		SelectedAnswer:   selected,
		IsCorrect:        correct,
		TimeTakenSeconds: taken,
		LivesLost:        !correct,
	})
	if !correct && s.LivesRemaining > 0 {
		s.LivesRemaining--
	}
	s.SelectedAnswer = selected
	s.Status = StatusFeedback
	return s
}

// finalize builds the completed attempt from the recorded answers.
func finalize(s State, at time.Time) State {
	res := scoring.Score(s.Questions, s.Answers)
	spent := 0
	for _, a := range s.Answers {
		spent += a.TimeTakenSeconds
	}
	reason := domain.EndCompleted
	if s.LivesRemaining <= 0 {
		reason = domain.EndOutOfLives
	}
	completedAt := at
	answers := make([]domain.Answer, len(s.Answers))
	copy(answers, s.Answers)

	s.Attempt = &domain.Attempt{
		ID:               s.AttemptID,
		StudentID:        s.Config.StudentID,
		StudentName:      s.Config.StudentName,
		Key:              s.Config.Key,
		Answers:          answers,
		Score:            res.Score,
		CorrectAnswers:   res.CorrectAnswers,
		TotalQuestions:   res.TotalQuestions,
		Points:           res.Points,
		TimeSpentSeconds: spent,
		StartedAt:        s.StartedAt,
		CompletedAt:      &completedAt,
		EndReason:        reason,
	}
	s.Status = StatusCompleted
	return s
}

func fail(s State, err error) State {
	s.Status = StatusError
	if err != nil {
		s.Err = err.Error()
	}
	return s
}

// activeSeconds is the time spent on the current question, pauses excluded, capped at the limit.
func activeSeconds(s State, at time.Time) int {
	d := at.Sub(s.QuestionStartedAt) - s.QuestionPaused
	if d < 0 {
		d = 0
	}
	if s.Config.TimeLimit > 0 && d > s.Config.TimeLimit {
		d = s.Config.TimeLimit
	}
	return int(math.Round(d.Seconds()))
}
