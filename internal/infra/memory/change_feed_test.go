package memory

import (
	"context"
	"testing"
	"time"

	"quizrank-service/internal/domain"
)

func TestChangeFeedFiltersByKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := NewChangeFeed(4)

	easy := domain.QuizKey{LevelID: "L1", WeekNo: 1, Difficulty: domain.DifficultyEasy}
	hard := domain.QuizKey{LevelID: "L1", WeekNo: 1, Difficulty: domain.DifficultyHard}

	ch, err := feed.Subscribe(ctx, domain.ChangeFilter{Table: domain.TableAttempts, Keys: []domain.QuizKey{easy}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = feed.Publish(ctx, domain.ChangeEvent{Table: domain.TableAttempts, Key: hard})
	_ = feed.Publish(ctx, domain.ChangeEvent{Table: domain.TableAttempts, Key: easy, Row: domain.Attempt{ID: "a1"}})

	select {
	case ev := <-ch:
		if ev.Key != easy || ev.Row.ID != "a1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("filtered event delivered: %+v", ev)
	default:
	}
}

func TestChangeFeedDropsOldestAndCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	feed := NewChangeFeed(1)
	ch, _ := feed.Subscribe(ctx, domain.ChangeFilter{})

	for _, id := range []string{"a1", "a2", "a3"} {
		_ = feed.Publish(ctx, domain.ChangeEvent{Table: domain.TableAttempts, Row: domain.Attempt{ID: id}})
	}
	if ev := <-ch; ev.Row.ID != "a3" {
		t.Fatalf("expected newest event, got %s", ev.Row.ID)
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if feed.Subscribers() != 0 {
					t.Fatalf("subscription not removed")
				}
				return
			}
		case <-deadline:
			t.Fatalf("channel not closed after cancel")
		}
	}
}
