// Package livesync keeps per-quiz leaderboard views current for connected viewers.
//
// Each tracked quiz has up to two views. The confirmed view is the last authoritative
// recompute; the provisional view is the confirmed view with locally submitted attempts merged
// in. Reads prefer a fresh confirmed view, then the provisional one, then a confirmed view
// flagged stale. Any change (local submission, change feed event or an aged view found by the
// poller) invalidates the confirmed view and schedules a recompute. A quiz nobody subscribes
// to or has read within the freshness window is dropped by the poller.
package livesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"quizrank-service/internal/domain"
	"quizrank-service/internal/metrics"
	"quizrank-service/internal/ranking"
)

// Recomputer produces the authoritative standings of a quiz.
type Recomputer interface {
	Standings(ctx context.Context, key domain.QuizKey) ([]domain.Standing, error)
}

// ChangeFeed delivers row changes from the attempt store.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter domain.ChangeFilter) (<-chan domain.ChangeEvent, error)
}

type Tier string

const (
	TierConfirmed   Tier = "confirmed"
	TierProvisional Tier = "provisional"
)

// View is an immutable leaderboard snapshot of one quiz.
type View struct {
	Key         domain.QuizKey            `json:"quiz"`
	Standings   []domain.Standing         `json:"-"`
	Entries     []domain.LeaderboardEntry `json:"entries"`
	Tier        Tier                      `json:"tier"`
	Stale       bool                      `json:"stale"`
	RefreshedAt time.Time                 `json:"refreshedAt"`
}

// Leaderboard projects the view's top entries.
func (v View) Leaderboard() domain.Leaderboard {
	return domain.Leaderboard{Key: v.Key, Entries: v.Entries, UpdatedAt: v.RefreshedAt}
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
	// Freshness is how long a confirmed view is served without a recompute.
	Freshness time.Duration
	// RefreshInterval is the poller period.
	RefreshInterval time.Duration
	TopN            int
	RecomputeRate   rate.Limit
	RecomputeBurst  int
	Backoff         func() backoff.BackOff
}

type keyState struct {
	confirmed   *View
	provisional *View
	invalidated bool
	failed      bool
	version     uint64
	running     bool
	again       bool
	lastRead    time.Time
	subs        map[chan View]struct{}
}

// errSuperseded reports a recompute that finished after newer changes arrived.
var errSuperseded = errors.New("recompute superseded by a newer change")

// Hub owns the views of every tracked quiz.
type Hub struct {
	engine  Recomputer
	feed    ChangeFeed
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	opts    Options
	limiter *rate.Limiter
	sf      singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	keys map[domain.QuizKey]*keyState
}

// NewHub builds a hub. feed may be nil, in which case only the poller detects remote changes.
func NewHub(engine Recomputer, feed ChangeFeed, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Freshness <= 0 {
		opts.Freshness = 2 * time.Minute
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.RecomputeRate <= 0 {
		opts.RecomputeRate = 20
	}
	if opts.RecomputeBurst <= 0 {
		opts.RecomputeBurst = 5
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = time.Minute
			return b
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		engine:  engine,
		feed:    feed,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
		opts:    opts,
		limiter: rate.NewLimiter(opts.RecomputeRate, opts.RecomputeBurst),
		ctx:     ctx,
		cancel:  cancel,
		keys:    make(map[domain.QuizKey]*keyState),
	}
}

// Run consumes the change feed and polls aged views until ctx is done. When the feed is
// missing or cannot be subscribed the hub keeps working on polling alone.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if h.feed != nil {
		events, err := h.feed.Subscribe(ctx, domain.ChangeFilter{Table: domain.TableAttempts})
		if err != nil {
			h.log.Warn("change feed unavailable, polling only", zap.Error(err))
		} else {
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev, ok := <-events:
						if !ok {
							if ctx.Err() == nil {
								h.log.Warn("change feed closed, polling only")
							}
							return nil
						}
						h.HandleChange(ev)
					}
				}
			})
		}
	}

	g.Go(func() error {
		ticker := time.NewTicker(h.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				h.refreshDue()
			}
		}
	})
	return g.Wait()
}

// Close stops background recomputes and waits for them to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()
	h.wg.Wait()
}

// View resolves the current view of key. A key without any view is recomputed synchronously.
func (h *Hub) View(ctx context.Context, key domain.QuizKey) (View, error) {
	h.mu.Lock()
	ks := h.touchLocked(key)
	v, ok := h.resolveLocked(ks)
	failed := ks.failed
	h.mu.Unlock()

	switch {
	case !ok, v.Stale && !failed:
		// Nothing newer than the confirmed view is known locally; recompute in line. A failed
		// recompute falls back to the stale view when there is one.
		err := h.refresh(ctx, key)
		if err != nil && !errors.Is(err, errSuperseded) && !ok {
			return View{}, err
		}
		h.mu.Lock()
		v, ok = h.resolveLocked(ks)
		h.mu.Unlock()
		if !ok {
			return View{}, domain.Transient(errors.New("leaderboard view unavailable"))
		}
		if v.Tier != TierConfirmed || v.Stale {
			h.schedule(key)
		}
	case v.Tier != TierConfirmed || v.Stale:
		h.schedule(key)
	}

	tier := string(v.Tier)
	if v.Stale {
		tier = "stale"
	}
	h.metrics.ViewTier.WithLabelValues(tier).Inc()
	return v, nil
}

// Rank resolves a student's standing from the current view.
func (h *Hub) Rank(ctx context.Context, key domain.QuizKey, studentID string) (domain.RankingResult, error) {
	v, err := h.View(ctx, key)
	if err != nil {
		return domain.RankingResult{}, err
	}
	return ranking.RankOf(v.Standings, studentID)
}

// ApplyLocal merges a just-persisted attempt into the provisional view and returns the
// resulting rank. ok is false when the quiz has no view to merge into yet.
func (h *Hub) ApplyLocal(attempt domain.Attempt) (res domain.RankingResult, ok bool) {
	if !attempt.Completed() {
		return domain.RankingResult{}, false
	}
	key := attempt.Key

	h.mu.Lock()
	ks := h.touchLocked(key)
	var base []domain.Standing
	switch {
	case ks.provisional != nil:
		base = ks.provisional.Standings
	case ks.confirmed != nil:
		base = ks.confirmed.Standings
	default:
		// A recompute already in flight may have read the store before this attempt landed.
		ks.invalidated = true
		ks.version++
		h.mu.Unlock()
		h.schedule(key)
		return domain.RankingResult{}, false
	}
	merged := ranking.Merge(base, domain.StandingOf(attempt))
	v := h.newView(key, merged, TierProvisional)
	ks.provisional = &v
	ks.invalidated = true
	ks.version++
	res, err := ranking.RankOf(merged, attempt.StudentID)
	h.broadcastLocked(ks)
	h.mu.Unlock()

	h.schedule(key)
	return res, err == nil
}

// HandleChange invalidates the confirmed view of a tracked quiz and schedules a recompute.
func (h *Hub) HandleChange(ev domain.ChangeEvent) {
	if ev.Table != domain.TableAttempts {
		return
	}
	h.mu.Lock()
	ks, ok := h.keys[ev.Key]
	if ok {
		ks.invalidated = true
		ks.version++
	}
	h.mu.Unlock()
	if ok {
		h.schedule(ev.Key)
	}
}

// Subscribe streams views of key: the current one, if any, then every update. Slow readers
// only see the newest view. cancel must be called to release the subscription.
func (h *Hub) Subscribe(key domain.QuizKey) (<-chan View, func()) {
	ch := make(chan View, 4)

	h.mu.Lock()
	ks := h.touchLocked(key)
	ks.subs[ch] = struct{}{}
	v, ok := h.resolveLocked(ks)
	if ok {
		ch <- v
	}
	h.mu.Unlock()

	if !ok || v.Tier != TierConfirmed || v.Stale {
		h.schedule(key)
	}

	cancel := func() {
		h.mu.Lock()
		if _, ok := ks.subs[ch]; ok {
			delete(ks.subs, ch)
			close(ch)
			ks.lastRead = h.now()
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Tracked reports how many quizzes the hub currently keeps views for.
func (h *Hub) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.keys)
}

// touchLocked tracks key and marks it as read now.
func (h *Hub) touchLocked(key domain.QuizKey) *keyState {
	ks, ok := h.keys[key]
	if !ok {
		ks = &keyState{subs: make(map[chan View]struct{})}
		h.keys[key] = ks
		h.metrics.TrackedQuizzes.Inc()
	}
	ks.lastRead = h.now()
	return ks
}

// idleLocked reports whether nothing holds on to ks: no subscriber, no recompute in flight
// and no read within the freshness window.
func (h *Hub) idleLocked(ks *keyState, now time.Time) bool {
	return len(ks.subs) == 0 && !ks.running && now.Sub(ks.lastRead) >= h.opts.Freshness
}

func (h *Hub) resolveLocked(ks *keyState) (View, bool) {
	switch {
	case ks.confirmed != nil && !ks.invalidated && !ks.failed && h.fresh(ks.confirmed):
		return *ks.confirmed, true
	case ks.provisional != nil:
		v := *ks.provisional
		v.Stale = ks.failed
		return v, true
	case ks.confirmed != nil:
		v := *ks.confirmed
		v.Stale = true
		return v, true
	}
	return View{}, false
}

func (h *Hub) fresh(v *View) bool {
	return h.now().Sub(v.RefreshedAt) < h.opts.Freshness
}

func (h *Hub) broadcastLocked(ks *keyState) {
	v, ok := h.resolveLocked(ks)
	if !ok {
		return
	}
	for ch := range ks.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

func (h *Hub) newView(key domain.QuizKey, standings []domain.Standing, tier Tier) View {
	return View{
		Key:         key,
		Standings:   standings,
		Entries:     ranking.Top(standings, h.opts.TopN),
		Tier:        tier,
		RefreshedAt: h.now(),
	}
}

// refresh runs one recompute of key, shared with any recompute already in flight.
func (h *Hub) refresh(ctx context.Context, key domain.QuizKey) error {
	_, err, _ := h.sf.Do(key.String(), func() (interface{}, error) {
		return nil, h.recompute(ctx, key)
	})
	return err
}

func (h *Hub) recompute(ctx context.Context, key domain.QuizKey) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	ks, ok := h.keys[key]
	if !ok {
		// Evicted while waiting for the limiter.
		h.mu.Unlock()
		return nil
	}
	version := ks.version
	h.mu.Unlock()

	standings, err := h.engine.Standings(ctx, key)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		ks.failed = true
		h.metrics.Recomputes.WithLabelValues("failure").Inc()
		h.broadcastLocked(ks)
		return err
	}
	v := h.newView(key, standings, TierConfirmed)
	ks.confirmed = &v
	ks.failed = false
	if ks.version != version {
		h.metrics.Recomputes.WithLabelValues("superseded").Inc()
		h.broadcastLocked(ks)
		return errSuperseded
	}
	ks.provisional = nil
	ks.invalidated = false
	h.metrics.Recomputes.WithLabelValues("success").Inc()
	h.broadcastLocked(ks)
	return nil
}

// schedule recomputes key in the background with retries. Requests arriving while a
// recompute runs are folded into one more pass.
func (h *Hub) schedule(key domain.QuizKey) {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	ks, ok := h.keys[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	if ks.running {
		ks.again = true
		h.mu.Unlock()
		return
	}
	ks.running = true
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		for {
			h.retry(key)
			h.mu.Lock()
			if !ks.again || h.ctx.Err() != nil {
				ks.running, ks.again = false, false
				h.mu.Unlock()
				return
			}
			ks.again = false
			h.mu.Unlock()
		}
	}()
}

func (h *Hub) retry(key domain.QuizKey) {
	op := func() error { return h.refresh(h.ctx, key) }
	notify := func(err error, wait time.Duration) {
		if errors.Is(err, errSuperseded) {
			return
		}
		h.log.Warn("leaderboard recompute failed, retrying",
			zap.Stringer("quiz", key),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(h.opts.Backoff(), h.ctx), notify)
	if err != nil && h.ctx.Err() == nil {
		h.log.Error("leaderboard recompute gave up, serving stale view", zap.Stringer("quiz", key), zap.Error(err))
	}
}

// refreshDue evicts idle quizzes and schedules every other one whose confirmed view is
// missing, invalidated, failed or aged past the freshness window.
func (h *Hub) refreshDue() {
	h.mu.Lock()
	now := h.now()
	var due []domain.QuizKey
	for key, ks := range h.keys {
		if h.idleLocked(ks, now) {
			delete(h.keys, key)
			h.metrics.TrackedQuizzes.Dec()
			continue
		}
		if ks.confirmed == nil || ks.invalidated || ks.failed || !h.fresh(ks.confirmed) {
			due = append(due, key)
		}
	}
	h.mu.Unlock()
	for _, key := range due {
		h.schedule(key)
	}
}
