package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Difficulty selects the question pool and the per-question time limit.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is one of the known difficulties.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// QuizKey identifies a leaderboard cohort.
type QuizKey struct {
	LevelID    string     `json:"levelId"`
	WeekNo     int        `json:"weekNo"`
	Difficulty Difficulty `json:"difficulty"`
}

func (k QuizKey) String() string {
	return k.LevelID + ":" + strconv.Itoa(k.WeekNo) + ":" + string(k.Difficulty)
}

// Validate rejects keys that cannot name a quiz.
func (k QuizKey) Validate() error {
	if k.LevelID == "" || strings.Contains(k.LevelID, ":") {
		return Invalid("level id %q is not valid", k.LevelID)
	}
	if k.WeekNo <= 0 {
		return Invalid("week number must be positive, got %d", k.WeekNo)
	}
	if !k.Difficulty.Valid() {
		return Invalid("unknown difficulty %q", k.Difficulty)
	}
	return nil
}

// ParseQuizKey is the inverse of QuizKey.String.
func ParseQuizKey(raw string) (QuizKey, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return QuizKey{}, Invalid("quiz key %q must be level:week:difficulty", raw)
	}
	week, err := strconv.Atoi(parts[1])
	if err != nil {
		return QuizKey{}, Invalid("quiz key %q has a non-numeric week", raw)
	}
	key := QuizKey{LevelID: parts[0], WeekNo: week, Difficulty: Difficulty(parts[2])}
	return key, key.Validate()
}

// Question is immutable once published.
type Question struct {
	ID            string     `json:"id"`
	LevelID       string     `json:"levelId"`
	WeekNo        int        `json:"weekNo"`
	Difficulty    Difficulty `json:"difficulty"`
	Prompt        string     `json:"prompt"`
	Options       []string   `json:"options"`
	CorrectAnswer string     `json:"correctAnswer"`
	Points        int        `json:"points"` // defaults to 1 if zero
}

// Weight returns the points awarded for a correct answer.
func (q Question) Weight() int {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

// Answer is recorded once per visited question and never mutated.
type Answer struct {
	QuestionID       string  `json:"questionId"`
	SelectedAnswer   *string `json:"selectedAnswer"`
	IsCorrect        bool    `json:"isCorrect"`
	TimeTakenSeconds int     `json:"timeTakenSeconds"`
	LivesLost        bool    `json:"livesLost"`
}

// EndReason records why an attempt stopped.
type EndReason string

const (
	EndCompleted  EndReason = "completed"
	EndOutOfLives EndReason = "out-of-lives"
	EndAbandoned  EndReason = "abandoned"
)

// Attempt is one play-through of a quiz. Only attempts with CompletedAt set count for ranking.
type Attempt struct {
	ID               string     `json:"id"`
	StudentID        string     `json:"studentId"`
	StudentName      string     `json:"studentName"`
	Key              QuizKey    `json:"quiz"`
	Answers          []Answer   `json:"answers"`
	Score            int        `json:"score"`
	CorrectAnswers   int        `json:"correctAnswers"`
	TotalQuestions   int        `json:"totalQuestions"`
	Points           int        `json:"points"`
	TimeSpentSeconds int        `json:"timeSpentSeconds"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt"`
	EndReason        EndReason  `json:"endReason,omitempty"`
}

// Completed reports whether the attempt counts for ranking.
func (a Attempt) Completed() bool {
	return a.CompletedAt != nil
}

// Finalization is the write-once result of an attempt.
type Finalization struct {
	Answers          []Answer  `json:"answers"`
	CorrectAnswers   int       `json:"correctAnswers"`
	Score            int       `json:"score"`
	Points           int       `json:"points"`
	TimeSpentSeconds int       `json:"timeSpentSeconds"`
	CompletedAt      time.Time `json:"completedAt"`
	EndReason        EndReason `json:"endReason"`
}

// Finalization extracts the result fields of a completed attempt.
func (a Attempt) Finalization() Finalization {
	f := Finalization{
		Answers:          a.Answers,
		CorrectAnswers:   a.CorrectAnswers,
		Score:            a.Score,
		Points:           a.Points,
		TimeSpentSeconds: a.TimeSpentSeconds,
		EndReason:        a.EndReason,
	}
	if a.CompletedAt != nil {
		f.CompletedAt = *a.CompletedAt
	}
	return f
}

// SameResult compares the fields that make finalization idempotent.
func (f Finalization) SameResult(o Finalization) bool {
	if f.CorrectAnswers != o.CorrectAnswers || f.Score != o.Score || f.Points != o.Points ||
		f.TimeSpentSeconds != o.TimeSpentSeconds || f.EndReason != o.EndReason ||
		f.CompletedAt.UnixMilli() != o.CompletedAt.UnixMilli() || len(f.Answers) != len(o.Answers) {
		return false
	}
	for i := range f.Answers {
		if f.Answers[i].QuestionID != o.Answers[i].QuestionID || f.Answers[i].IsCorrect != o.Answers[i].IsCorrect {
			return false
		}
	}
	return true
}

// Standing is the best completed attempt of one student for one quiz.
type Standing struct {
	StudentID   string    `json:"studentId"`
	StudentName string    `json:"studentName"`
	AttemptID   string    `json:"attemptId"`
	Score       int       `json:"score"`
	CompletedAt time.Time `json:"completedAt"`
}

// StandingOf projects a completed attempt.
func StandingOf(a Attempt) Standing {
	s := Standing{
		StudentID:   a.StudentID,
		StudentName: a.StudentName,
		AttemptID:   a.ID,
		Score:       a.Score,
	}
	if a.CompletedAt != nil {
		s.CompletedAt = *a.CompletedAt
	}
	return s
}

// RankingResult is derived and never persisted.
type RankingResult struct {
	StudentID     string `json:"studentId"`
	Rank          int    `json:"rank"`
	TotalStudents int    `json:"totalStudents"`
	Percentile    int    `json:"percentile"`
	Score         int    `json:"score"`
}

// Submission is the outcome of persisting a completed attempt.
type Submission struct {
	AttemptID   string        `json:"attemptId"`
	Ranking     RankingResult `json:"ranking"`
	Provisional bool          `json:"provisional"`
}

// LeaderboardEntry is one row of a top-N projection.
type LeaderboardEntry struct {
	StudentID   string    `json:"studentId"`
	StudentName string    `json:"studentName"`
	Score       int       `json:"score"`
	Rank        int       `json:"rank"`
	CompletedAt time.Time `json:"completedAt"`
}

// Leaderboard captures the ordered top entries for a quiz.
type Leaderboard struct {
	Key       QuizKey            `json:"quiz"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// AccessStatus is the lifecycle state of an access request.
type AccessStatus string

const (
	StatusPending  AccessStatus = "pending"
	StatusApproved AccessStatus = "approved"
	StatusDenied   AccessStatus = "denied"
)

// Terminal reports whether the status can no longer change.
func (s AccessStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// ParseAccessStatus accepts the three known statuses.
func ParseAccessStatus(raw string) (AccessStatus, error) {
	switch s := AccessStatus(raw); s {
	case StatusPending, StatusApproved, StatusDenied:
		return s, nil
	}
	return "", Invalid("unknown access status %q", raw)
}

// AccessRequest asks an administrator for access to a level.
type AccessRequest struct {
	ID          string       `json:"id"`
	StudentID   string       `json:"studentId"`
	LevelID     string       `json:"levelId"`
	Status      AccessStatus `json:"status"`
	RequestedAt time.Time    `json:"requestedAt"`
	ReviewedAt  *time.Time   `json:"reviewedAt,omitempty"`
	ReviewedBy  string       `json:"reviewedBy,omitempty"`
}

// LevelGrant records that a student may play a level.
type LevelGrant struct {
	StudentID string    `json:"studentId"`
	LevelID   string    `json:"levelId"`
	RequestID string    `json:"requestId"`
	GrantedAt time.Time `json:"grantedAt"`
}

// ChangeEvent is a row-level notification from a store.
type ChangeEvent struct {
	Table string  `json:"table"`
	Key   QuizKey `json:"quiz"`
	Row   Attempt `json:"row"`
}

// TableAttempts is the change feed table carrying attempt rows.
const TableAttempts = "attempts"

// ChangeFilter narrows a change subscription. Empty Keys selects every key of Table.
type ChangeFilter struct {
	Table string
	Keys  []QuizKey
}

// Match reports whether ev passes the filter.
func (f ChangeFilter) Match(ev ChangeEvent) bool {
	if f.Table != "" && f.Table != ev.Table {
		return false
	}
	if len(f.Keys) == 0 {
		return true
	}
	for _, k := range f.Keys {
		if k == ev.Key {
			return true
		}
	}
	return false
}

// Role is the coarse identity role used by the HTTP surface.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// Identity is supplied by the identity provider for each request.
type Identity struct {
	UserID string
	Name   string
	Role   Role
}

func (i Identity) String() string {
	return fmt.Sprintf("%s(%s)", i.UserID, i.Role)
}
