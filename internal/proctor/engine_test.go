package proctor

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/queryarena/internal/domain"
	"github.com/ashureev/queryarena/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_760_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCatalog []domain.Round

func (c fakeCatalog) Round(n int) (domain.Round, bool) {
	for _, r := range c {
		if r.Number == n {
			return r, true
		}
	}
	return domain.Round{}, false
}

func (c fakeCatalog) Rounds() []domain.Round { return c }

var testRounds = fakeCatalog{
	{Number: 1, Title: "Find", Duration: 5400 * time.Second, DefaultPoints: 5},
	{Number: 2, Title: "Aggregate", Duration: 5400 * time.Second, DefaultPoints: 10},
}

type hookCounter struct {
	warnings  atomic.Int32
	closed    atomic.Int32
	scored    atomic.Int32
	mu        sync.Mutex
	reasons   []string
	lastScore int
}

func (h *hookCounter) hooks() Hooks {
	return Hooks{
		OnWarning: func(context.Context, *domain.Session) { h.warnings.Add(1) },
		OnRoundClosed: func(_ context.Context, _ *domain.Session, reason string) {
			h.closed.Add(1)
			h.mu.Lock()
			h.reasons = append(h.reasons, reason)
			h.mu.Unlock()
		},
		OnSubmissionScored: func(_ context.Context, s *domain.Session, _ *domain.Submission) {
			h.scored.Add(1)
			h.mu.Lock()
			h.lastScore = s.CumulativeScore
			h.mu.Unlock()
		},
	}
}

type fixture struct {
	dbPath string
	repo   store.Repository
	clock  *fakeClock
	hooks  *hookCounter
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dbPath: filepath.Join(t.TempDir(), "engine.db"),
		clock:  newFakeClock(),
		hooks:  &hookCounter{},
	}
	repo, err := store.NewSQLite(f.dbPath)
	require.NoError(t, err)
	f.repo = repo
	t.Cleanup(func() { _ = f.repo.Close() })

	f.engine = NewEngine(f.repo, testRounds, WithClock(f.clock.Now), WithHooks(f.hooks.hooks()))
	f.addParticipant(t, "p1")
	return f
}

// reopen closes the database and opens it again from disk.
func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	require.NoError(t, f.repo.Close())
	repo, err := store.NewSQLite(f.dbPath)
	require.NoError(t, err)
	f.repo = repo
}

func (f *fixture) addParticipant(t *testing.T, id string) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.repo.UpsertParticipant(context.Background(), &domain.Participant{
		ID: id, Name: "Participant " + id, Email: id + "@example.com", JoinedAt: now, CreatedAt: now, UpdatedAt: now,
	}))
}

func docs(n int) []domain.Document {
	out := make([]domain.Document, n)
	for i := range out {
		out[i] = domain.Document{"i": i, "name": "doc"}
	}
	return out
}

func (f *fixture) submit(sessionID, questionID string) (*SubmitResult, error) {
	return f.engine.Submit(context.Background(), SubmitRequest{
		SessionID: sessionID, QuestionID: questionID,
		Submitted: docs(3), Canonical: docs(3), MaxPoints: 15,
		ExecutionTime: 25 * time.Millisecond,
	})
}

func countKind(entries []*domain.Violation, kind domain.ViolationKind) int {
	n := 0
	for _, v := range entries {
		if v.Kind == kind {
			n++
		}
	}
	return n
}

func TestStartRoundActivatesAndResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, s.State)
	assert.True(t, s.StartedAt.Equal(f.clock.Now()))
	assert.Equal(t, int64(5400), s.DurationSeconds())

	f.clock.Advance(time.Minute)
	again, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
	assert.True(t, again.StartedAt.Equal(s.StartedAt), "resume must not restart the clock")

	entries, err := f.engine.Violations(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ViolationSessionStart, entries[0].Kind)
	assert.False(t, entries[0].Counted)
	assert.Equal(t, "10.0.0.1", entries[0].IPAddress)
}

func TestStartRoundRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.StartRound(ctx, "ghost", 1, RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	_, err = f.engine.StartRound(ctx, "p1", 3, RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrUnknownRound)

	_, err = f.engine.StartRound(ctx, "p1", 2, RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrPrerequisiteNotMet)
}

func TestRoundTwoRequiresCompletedRoundOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s1, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	_, err = f.engine.StartRound(ctx, "p1", 2, RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrPrerequisiteNotMet, "round 1 still open")

	_, err = f.engine.CompleteRound(ctx, s1.ID, RequestMeta{})
	require.NoError(t, err)

	s2, err := f.engine.StartRound(ctx, "p1", 2, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 2, s2.Round)

	_, err = f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrRoundAlreadyFinished)
}

func TestEjectedRoundOneBlocksRoundTwo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := f.engine.RecordViolation(ctx, s.ID, domain.ViolationTabSwitch, "", RequestMeta{})
		require.NoError(t, err)
	}

	_, err = f.engine.StartRound(ctx, "p1", 2, RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrPrerequisiteNotMet)
	_, err = f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrRoundAlreadyFinished)
}

func TestViolationThresholdWarnsOnceThenEjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	var res ViolationResult
	for i := 1; i <= 5; i++ {
		res, err = f.engine.RecordViolation(ctx, s.ID, domain.ViolationFocusLoss, "window blurred", RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, i, res.ViolationCount)
	}
	assert.True(t, res.Warned)
	assert.Equal(t, domain.StateWarned, res.State)
	assert.Equal(t, int32(1), f.hooks.warnings.Load())

	_, err = f.submit(s.ID, "q1")
	require.NoError(t, err, "warned sessions still accept submissions")

	res, err = f.engine.RecordViolation(ctx, s.ID, domain.ViolationCopyPaste, "", RequestMeta{})
	require.NoError(t, err)
	assert.True(t, res.Ejected)
	assert.Equal(t, 6, res.ViolationCount)
	assert.Equal(t, domain.StateEjected, res.State)

	res, err = f.engine.RecordViolation(ctx, s.ID, domain.ViolationCopyPaste, "", RequestMeta{})
	require.NoError(t, err)
	assert.False(t, res.Logged)
	assert.Equal(t, 6, res.ViolationCount)

	_, err = f.submit(s.ID, "q2")
	assert.ErrorIs(t, err, domain.ErrRoundClosed)

	assert.Equal(t, int32(1), f.hooks.warnings.Load())
	assert.Equal(t, int32(1), f.hooks.closed.Load())
	assert.Equal(t, []string{domain.EndReasonEjected}, f.hooks.reasons)

	entries, err := f.engine.Violations(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(entries, domain.ViolationAutoEject))
	assert.Equal(t, 5, countKind(entries, domain.ViolationFocusLoss))
	assert.Equal(t, 1, countKind(entries, domain.ViolationCopyPaste))
}

func TestAuditMarkersCannotBeReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	markers := []domain.ViolationKind{
		domain.ViolationSessionStart, domain.ViolationManualEnd, domain.ViolationTimeUp,
		domain.ViolationAutoEject, domain.ViolationSubmission, domain.ViolationSubmissionFail,
	}
	for _, kind := range markers {
		res, err := f.engine.RecordViolation(ctx, s.ID, kind, "forged", RequestMeta{})
		assert.ErrorIs(t, err, domain.ErrValidation, kind)
		assert.False(t, res.Logged)
	}

	got, err := f.engine.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Zero(t, got.ViolationCount)

	entries, err := f.engine.Violations(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ViolationSessionStart, entries[0].Kind)
	assert.NotEqual(t, "forged", entries[0].Description)
}

func TestConcurrentViolationsEjectExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.engine.RecordViolation(ctx, s.ID, domain.ViolationTabSwitch, "", RequestMeta{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var ejections atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.RecordViolation(ctx, s.ID, domain.ViolationRightClick, "", RequestMeta{})
			if err == nil && res.Ejected {
				ejections.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ejections.Load())
	assert.Equal(t, int32(1), f.hooks.closed.Load())
	got, err := f.engine.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEjected, got.State)
	assert.Equal(t, 6, got.ViolationCount)

	entries, err := f.engine.Violations(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(entries, domain.ViolationAutoEject))
	assert.Equal(t, 1, countKind(entries, domain.ViolationRightClick))
}

func TestConcurrentViolationsFromFreshSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var lastCount atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.RecordViolation(ctx, s.ID, domain.ViolationBlockedShortcut, "", RequestMeta{})
			if err == nil {
				for {
					cur := lastCount.Load()
					if int32(res.ViolationCount) < cur || lastCount.CompareAndSwap(cur, int32(res.ViolationCount)) {
						break
					}
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(6), lastCount.Load())
	assert.Equal(t, int32(1), f.hooks.warnings.Load())
	assert.Equal(t, int32(1), f.hooks.closed.Load())
}

func TestSubmitScoresAndAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	reordered := []domain.Document{
		{"name": "doc", "i": 0}, {"name": "doc", "i": 1}, {"name": "doc", "i": 2},
	}
	res, err := f.engine.Submit(ctx, SubmitRequest{
		SessionID: s.ID, QuestionID: "q1",
		Submitted: reordered, Canonical: docs(3), MaxPoints: 15,
		ExecutionTime: 12 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, res.Score.Total)
	assert.Equal(t, 10, res.Score.Correctness)
	assert.Equal(t, 4, res.Score.Performance)
	assert.True(t, res.Score.IsCorrect)
	assert.Equal(t, 15, res.CumulativeScore)
	assert.Equal(t, int64(12), res.Submission.ExecutionTimeMs)

	partial, err := f.engine.Submit(ctx, SubmitRequest{
		SessionID: s.ID, QuestionID: "q2",
		Submitted: docs(6), Canonical: docs(10), MaxPoints: 15,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, partial.Score.Total)
	assert.False(t, partial.Score.IsCorrect)
	assert.Equal(t, 23, partial.CumulativeScore)

	_, err = f.submit(s.ID, "q1")
	assert.ErrorIs(t, err, domain.ErrDuplicateSubmission)

	assert.Equal(t, int32(2), f.hooks.scored.Load())
	assert.Equal(t, 23, f.hooks.lastScore)

	got, err := f.engine.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 23, got.CumulativeScore)
}

func TestEmptySubmissionScoresZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	res, err := f.engine.Submit(ctx, SubmitRequest{SessionID: s.ID, QuestionID: "q1", Canonical: docs(2), MaxPoints: 5})
	require.NoError(t, err)
	assert.Zero(t, res.Score.Total)
	assert.Equal(t, "No results returned.", res.Score.Feedback)
}

func TestConcurrentSubmissionsKeepEveryPoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	questions := []string{"q1", "q2", "q3", "q4", "q5", "q6", "q7", "q8"}
	var wg sync.WaitGroup
	for _, q := range questions {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			_, err := f.submit(s.ID, q)
			assert.NoError(t, err)
		}(q)
	}
	wg.Wait()

	got, err := f.engine.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 15*len(questions), got.CumulativeScore)
}

func TestEmptyCanonicalIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, SubmitRequest{SessionID: s.ID, QuestionID: "q1", Submitted: docs(1), MaxPoints: 5})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = f.submit(s.ID, "q1")
	require.NoError(t, err, "configuration errors must not consume the question")

	entries, err := f.engine.Violations(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(entries, domain.ViolationSubmissionFail))
	assert.Equal(t, 1, countKind(entries, domain.ViolationSubmission))
}

func TestClosedSessionRefusesBeforeConfigurationCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParticipant(t, "p2")

	ejected, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := f.engine.RecordViolation(ctx, ejected.ID, domain.ViolationTabSwitch, "", RequestMeta{})
		require.NoError(t, err)
	}
	timedOut, err := f.engine.StartRound(ctx, "p2", 1, RequestMeta{})
	require.NoError(t, err)
	f.clock.Advance(5400 * time.Second)

	for _, id := range []string{ejected.ID, timedOut.ID} {
		_, err = f.engine.Submit(ctx, SubmitRequest{SessionID: id, QuestionID: "q1", Submitted: docs(1), MaxPoints: 5})
		assert.ErrorIs(t, err, domain.ErrRoundClosed)

		entries, err := f.engine.Violations(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, countKind(entries, domain.ViolationSubmissionFail))
	}

	got, err := f.repo.GetSession(ctx, timedOut.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, got.State)
}

func TestMalformedSubmissionIsValidationError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, SubmitRequest{
		SessionID: s.ID, QuestionID: "q1",
		Submitted: []domain.Document{{"x": math.NaN()}}, Canonical: docs(1), MaxPoints: 5,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubmitAfterAllotmentIsRefusedWithoutPriorQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	f.clock.Advance(5400 * time.Second)
	_, err = f.submit(s.ID, "q1")
	assert.ErrorIs(t, err, domain.ErrRoundClosed)

	got, err := f.engine.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, got.State)
	assert.Equal(t, domain.EndReasonTimeUp, got.EndReason)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(s.StartedAt.Add(5400*time.Second)))
	assert.Equal(t, int32(1), f.hooks.closed.Load())

	_, err = f.engine.CompleteRound(ctx, s.ID, RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	assert.Equal(t, int32(1), f.hooks.closed.Load())
}

func TestRemainingTimeIsDerivedFromStartInstant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)

	remaining, err := f.engine.RemainingTime(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5400), remaining)

	prev := remaining
	for _, step := range []time.Duration{1500 * time.Millisecond, time.Hour, 1798 * time.Second} {
		f.clock.Advance(step)
		remaining, err = f.engine.RemainingTime(ctx, s.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, remaining, prev)
		prev = remaining
	}
	assert.Equal(t, int64(1), remaining, "half a second before expiry rounds up")

	// Reopening the database under a fresh engine stands in for a process restart.
	f.reopen(t)
	restarted := NewEngine(f.repo, testRounds, WithClock(f.clock.Now))
	f.clock.Advance(500 * time.Millisecond)
	remaining, err = restarted.RemainingTime(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	got, err := restarted.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, got.State)
}

func TestCompleteRoundIsWriteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)
	_, err = f.submit(s.ID, "q1")
	require.NoError(t, err)

	done, err := f.engine.CompleteRound(ctx, s.ID, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Equal(t, 15, done.CumulativeScore)

	f.clock.Advance(time.Second)
	again, err := f.engine.CompleteRound(ctx, s.ID, RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	require.NotNil(t, again)
	assert.Equal(t, domain.StateCompleted, again.State)
	assert.True(t, again.EndedAt.Equal(*done.EndedAt))

	res, err := f.engine.RecordViolation(ctx, s.ID, domain.ViolationTabSwitch, "", RequestMeta{})
	require.NoError(t, err)
	assert.False(t, res.Logged)
	assert.Zero(t, res.ViolationCount)

	remaining, err := f.engine.RemainingTime(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.Equal(t, int32(1), f.hooks.closed.Load())
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RemainingTime(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = f.engine.RecordViolation(ctx, "missing", domain.ViolationTabSwitch, "", RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = f.submit("missing", "q1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = f.engine.SessionForRound(ctx, "p1", 1)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestExpireDueClosesOnlyElapsedSessions(t *testing.T) {
	f := newFixture(t)
	f.addParticipant(t, "p2")
	ctx := context.Background()

	early, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	late, err := f.engine.StartRound(ctx, "p2", 1, RequestMeta{})
	require.NoError(t, err)

	f.clock.Advance(5400*time.Second - 10*time.Minute)
	n, err := f.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.engine.SessionForRound(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, early.ID, got.ID)
	assert.Equal(t, domain.StateExpired, got.State)

	got, err = f.engine.Session(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)

	n, err = f.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperExpiresInBackground(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := f.engine.StartRound(ctx, "p1", 1, RequestMeta{})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	StartSweeper(ctx, f.engine, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.hooks.closed.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := f.repo.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, stored.State)

	entries, err := f.repo.ListViolations(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(entries, domain.ViolationTimeUp))
}

func TestChainHooksCallsEveryHandler(t *testing.T) {
	a, b := &hookCounter{}, &hookCounter{}
	h := ChainHooks(a.hooks(), Hooks{}, b.hooks())

	h.OnRoundClosed(context.Background(), &domain.Session{}, domain.EndReasonCompleted)
	h.OnWarning(context.Background(), &domain.Session{})

	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
	assert.Equal(t, int32(1), b.warnings.Load())
}

func TestInvariantPanics(t *testing.T) {
	assert.Panics(t, func() { invariant(false, "session %s", "s1") })
	assert.NotPanics(t, func() { invariant(true, "unused") })
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSweeperLogsStartOnceThroughEngineLogger(t *testing.T) {
	f := newFixture(t)
	var out syncBuffer
	e := NewEngine(f.repo, testRounds, WithClock(f.clock.Now), WithLogger(slog.New(slog.NewJSONHandler(&out, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	StartSweeper(ctx, e, 10*time.Millisecond)
	assert.Equal(t, 1, strings.Count(out.String(), "Expiry sweeper started"))

	cancel()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Expiry sweeper shutting down")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, strings.Count(out.String(), "Expiry sweeper started"))
}
