// Package ranking computes ranks, percentiles and leaderboards over completed attempts.
package ranking

import (
	"math"
	"sort"

	"quizrank-service/internal/domain"
)

// Less orders standings best first: higher score, then earlier completion, then student id.
// Completion times compare at millisecond resolution so every ranking path agrees.
func Less(a, b domain.Standing) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	am, bm := a.CompletedAt.UnixMilli(), b.CompletedAt.UnixMilli()
	if am != bm {
		return am < bm
	}
	return a.StudentID < b.StudentID
}

// ahead reports whether a ranks strictly in front of b. Exact ties share a rank. It also picks
// which of a student's attempts represents them.
func ahead(a, b domain.Standing) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.CompletedAt.UnixMilli() < b.CompletedAt.UnixMilli()
}

// BestPerStudent keeps one best completed attempt per student, sorted by Less.
func BestPerStudent(attempts []domain.Attempt) []domain.Standing {
	best := make(map[string]domain.Standing, len(attempts))
	for _, a := range attempts {
		if !a.Completed() {
			continue
		}
		s := domain.StandingOf(a)
		if cur, ok := best[a.StudentID]; !ok || ahead(s, cur) {
			best[a.StudentID] = s
		}
	}
	out := make([]domain.Standing, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	Sort(out)
	return out
}

// Sort orders standings in place by Less.
func Sort(standings []domain.Standing) {
	sort.Slice(standings, func(i, j int) bool { return Less(standings[i], standings[j]) })
}

// Merge inserts s into sorted standings, replacing the student's entry only if s is better.
// The input slice is not modified.
func Merge(standings []domain.Standing, s domain.Standing) []domain.Standing {
	out := make([]domain.Standing, 0, len(standings)+1)
	for _, cur := range standings {
		if cur.StudentID == s.StudentID {
			if !ahead(s, cur) {
				return append(out[:0], standings...)
			}
			continue
		}
		out = append(out, cur)
	}
	i := sort.Search(len(out), func(i int) bool { return Less(s, out[i]) })
	out = append(out, domain.Standing{})
	copy(out[i+1:], out[i:])
	out[i] = s
	return out
}

// RankOf scans standings for studentID. Rank is one plus the number of students strictly ahead.
func RankOf(standings []domain.Standing, studentID string) (domain.RankingResult, error) {
	var (
		own   domain.Standing
		found bool
	)
	for _, s := range standings {
		if s.StudentID == studentID {
			own, found = s, true
			break
		}
	}
	if !found {
		return domain.RankingResult{}, domain.ErrNotRanked
	}
	rank := 1
	for _, s := range standings {
		if ahead(s, own) {
			rank++
		}
	}
	return Result(studentID, own.Score, rank, len(standings)), nil
}

// Result assembles a RankingResult and its percentile.
func Result(studentID string, score, rank, total int) domain.RankingResult {
	return domain.RankingResult{
		StudentID:     studentID,
		Rank:          rank,
		TotalStudents: total,
		Percentile:    Percentile(rank, total),
		Score:         score,
	}
}

// Percentile is round((total - rank) / total * 100), 0 for an empty cohort.
func Percentile(rank, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(total-rank) * 100 / float64(total)))
}

// Top projects the first limit standings. Positions run 1..limit; limit <= 0 keeps all.
func Top(standings []domain.Standing, limit int) []domain.LeaderboardEntry {
	if limit <= 0 || limit > len(standings) {
		limit = len(standings)
	}
	entries := make([]domain.LeaderboardEntry, limit)
	for i := 0; i < limit; i++ {
		s := standings[i]
		entries[i] = domain.LeaderboardEntry{
			StudentID:   s.StudentID,
			StudentName: s.StudentName,
			Score:       s.Score,
			Rank:        i + 1,
			CompletedAt: s.CompletedAt,
		}
	}
	return entries
}
