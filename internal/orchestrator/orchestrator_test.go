package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/slate/internal/localdb"
	"github.com/roach88/slate/internal/note"
	"github.com/roach88/slate/internal/repo"
	"github.com/roach88/slate/internal/syncqueue"
)

// recordingHandler scripts per-note outcomes and records every invocation.
type recordingHandler struct {
	mu       sync.Mutex
	calls    []string // note ids in invocation order
	failures map[string]string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{failures: make(map[string]string)}
}

func (h *recordingHandler) failWith(noteID, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[noteID] = msg
}

func (h *recordingHandler) succeed(noteID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, noteID)
}

func (h *recordingHandler) publish(ctx context.Context, nwd *note.NoteWithDetails) PublishOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, nwd.ID)
	if msg, ok := h.failures[nwd.ID]; ok {
		return PublishOutcome{Success: false, Error: msg}
	}
	return PublishOutcome{Success: true}
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type fixture struct {
	repo  *repo.Repo
	queue *syncqueue.Queue
	hand  *recordingHandler
	orch  *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mgr := localdb.NewManager(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, mgr.Initialize(context.Background()))
	t.Cleanup(func() { mgr.Close() })

	queue := syncqueue.New(mgr)
	r := repo.New(mgr, queue)
	hand := newRecordingHandler()
	orch := New(r, queue, hand.publish, opts...)
	return &fixture{repo: r, queue: queue, hand: hand, orch: orch}
}

func (f *fixture) createGradeNote(t *testing.T, classID string, details ...repo.DetailInput) *note.NoteWithDetails {
	t.Helper()
	nwd, err := f.repo.CreateNote(context.Background(), repo.CreateNoteInput{
		TeacherID:    "t1",
		SchoolID:     "s1",
		ClassID:      classID,
		SubjectID:    "math",
		SchoolYearID: "sy1",
		TermID:       "term1",
		Type:         "tests",
		Title:        "Unit test " + classID,
		Details:      details,
	})
	require.NoError(t, err)
	return nwd
}

func TestProcessSyncQueue_EmptyQueue(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.ProcessSyncQueue(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Synced)
	assert.Empty(t, res.Failed)
	assert.Zero(t, f.hand.callCount())
}

func TestProcessSyncQueue_DeliversAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nwd := f.createGradeNote(t, "c1",
		repo.DetailInput{StudentID: "stu-a", Value: "12"},
		repo.DetailInput{StudentID: "stu-b", Value: "15"},
		repo.DetailInput{StudentID: "stu-c", Value: "9"},
	)

	res, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{nwd.ID}, res.Synced)

	// One queue item, one handler call carrying all three details.
	assert.Equal(t, 1, f.hand.callCount())

	after, err := f.repo.GetNoteByID(ctx, nwd.ID)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, note.StatePublished, after.State)
	assert.NotNil(t, after.LastSyncAt)

	items, err := f.queue.ItemsForEntity(ctx, nwd.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.StatusDone, items[0].Status)
}

func TestProcessSyncQueue_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createGradeNote(t, "c1", repo.DetailInput{StudentID: "stu-a", Value: "12"})

	_, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)

	// Draining an already-drained queue does nothing.
	res, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Synced)
	assert.Equal(t, 1, f.hand.callCount())
}

func TestProcessSyncQueue_RetryThenSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nwd := f.createGradeNote(t, "c1", repo.DetailInput{StudentID: "stu-a", Value: "12"})
	f.hand.failWith(nwd.ID, "term closed")

	res, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{nwd.ID}, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "term closed", res.Errors[0].Error)

	// The note stays dirty and the item returns to pending.
	after, err := f.repo.GetNoteByID(ctx, nwd.ID)
	require.NoError(t, err)
	assert.Equal(t, note.StateDirty, after.State)

	// At-least-once: the next pass redelivers the same item.
	f.hand.succeed(nwd.ID)
	res, err = f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{nwd.ID}, res.Synced)
	assert.Equal(t, 2, f.hand.callCount())
}

func TestProcessSyncQueue_RetryCapParks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nwd := f.createGradeNote(t, "c1", repo.DetailInput{StudentID: "stu-a", Value: "12"})
	f.hand.failWith(nwd.ID, "remote down")

	for i := 0; i < syncqueue.DefaultMaxAttempts; i++ {
		res, err := f.orch.ProcessSyncQueue(ctx)
		require.NoError(t, err)
		assert.False(t, res.Success)
	}

	items, err := f.queue.ItemsForEntity(ctx, nwd.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.StatusFailed, items[0].Status)
	assert.Equal(t, syncqueue.DefaultMaxAttempts, items[0].Attempts)

	// Parked items are skipped; no more handler calls.
	res, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, syncqueue.DefaultMaxAttempts, f.hand.callCount())

	status, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.FailedCount)
}

func TestProcessSyncQueue_PerEntityOrderAcrossNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blocked := f.createGradeNote(t, "c1", repo.DetailInput{StudentID: "stu-a", Value: "12"})
	free := f.createGradeNote(t, "c2", repo.DetailInput{StudentID: "stu-b", Value: "15"})
	f.hand.failWith(blocked.ID, "remote down")

	// Park c1's create, then queue an update behind it.
	for i := 0; i < syncqueue.DefaultMaxAttempts; i++ {
		_, err := f.orch.ProcessSyncQueue(ctx)
		require.NoError(t, err)
	}
	title := "renamed"
	_, err := f.repo.UpdateNote(ctx, blocked.ID, repo.UpdateNoteInput{Title: &title})
	require.NoError(t, err)

	f.hand.succeed(blocked.ID)
	res, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotContains(t, res.Synced, blocked.ID,
		"the update must wait behind the parked create")
	_ = free

	// Un-park and verify the history drains in order.
	n, err := f.queue.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)

	items, err := f.queue.ItemsForEntity(ctx, blocked.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, syncqueue.StatusDone, item.Status)
	}
}

func TestProcessSyncQueue_OfflineDefers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createGradeNote(t, "c1", repo.DetailInput{StudentID: "stu-a", Value: "12"})
	f.orch.SetOnline(ctx, false)

	res, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.True(t, res.Success)
	assert.Zero(t, f.hand.callCount(), "offline passes never touch the queue")

	pending, err := f.queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestProcessSyncQueue_ConnectivityLossMidDrain(t *testing.T) {
	online := true
	var mu sync.Mutex
	probe := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	}

	f := newFixture(t, WithConnectivity(probe))
	ctx := context.Background()

	first := f.createGradeNote(t, "c1", repo.DetailInput{StudentID: "stu-a", Value: "12"})
	second := f.createGradeNote(t, "c2", repo.DetailInput{StudentID: "stu-b", Value: "15"})

	// Drop connectivity while the first note is being published.
	f.orch.handler = func(hctx context.Context, nwd *note.NoteWithDetails) PublishOutcome {
		mu.Lock()
		online = false
		mu.Unlock()
		return f.hand.publish(hctx, nwd)
	}

	res, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{first.ID}, res.Synced, "the in-flight item is finished, not abandoned")

	// The second item went back to pending without an attempt charged.
	items, err := f.queue.ItemsForEntity(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.StatusPending, items[0].Status)
	assert.Zero(t, items[0].Attempts)
}

func TestProcessSyncQueue_RedeliversItemsClaimedBeforeCrash(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	mgr := localdb.NewManager(path)
	require.NoError(t, mgr.Initialize(ctx))
	queue := syncqueue.New(mgr)
	r := repo.New(mgr, queue)

	nwd, err := r.CreateNote(ctx, repo.CreateNoteInput{
		TeacherID:    "t1",
		SchoolID:     "s1",
		ClassID:      "c1",
		SubjectID:    "math",
		SchoolYearID: "sy1",
		TermID:       "term1",
		Type:         "tests",
		Title:        "Unit test",
		Details:      []repo.DetailInput{{StudentID: "stu-a", Value: "12"}},
	})
	require.NoError(t, err)

	// Claim the item, then go down without resolving it.
	claimed, err := queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, mgr.Close())

	// After restart the stranded claim must still be delivered.
	mgr = localdb.NewManager(path)
	require.NoError(t, mgr.Initialize(ctx))
	t.Cleanup(func() { mgr.Close() })
	queue = syncqueue.New(mgr)
	r = repo.New(mgr, queue)
	hand := newRecordingHandler()
	orch := New(r, queue, hand.publish)

	res, err := orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{nwd.ID}, res.Synced)
	assert.Equal(t, 1, hand.callCount())

	after, err := r.GetNoteByID(ctx, nwd.ID)
	require.NoError(t, err)
	assert.Equal(t, note.StatePublished, after.State)

	items, err := queue.ItemsForEntity(ctx, nwd.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.StatusDone, items[0].Status)
	assert.Zero(t, items[0].Attempts, "recovery charges no attempt")
}

func TestProcessSyncQueue_GuardRejectsConcurrentPass(t *testing.T) {
	f := newFixture(t)
	f.orch.draining.Store(true)

	_, err := f.orch.ProcessSyncQueue(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestProcessSyncQueue_DeleteSettledLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nwd := f.createGradeNote(t, "c1", repo.DetailInput{StudentID: "stu-a", Value: "12"})
	require.NoError(t, f.repo.DeleteNote(ctx, nwd.ID))

	res, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{nwd.ID}, res.Synced)
	assert.Zero(t, f.hand.callCount(), "delete items never reach the remote")

	items, err := f.queue.ItemsForEntity(ctx, nwd.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.StatusDone, items[0].Status)
}

func TestCleanupSyncQueue_RemovesOnlyAgedDoneItems(t *testing.T) {
	// Negative retention puts the cutoff in the future, so freshly done
	// items age out immediately.
	f := newFixture(t, WithRetention(-time.Second))
	ctx := context.Background()

	// Twelve notes: ten drained to done, two left pending.
	for i := 0; i < 12; i++ {
		f.createGradeNote(t, fmt.Sprintf("class-%02d", i), repo.DetailInput{StudentID: "stu", Value: "10"})
	}
	f.orch.batchSize = 10
	res, err := f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	require.Len(t, res.Synced, 10)

	n, err := f.orch.CleanupSyncQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	pending, err := f.queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending, "undelivered items survive cleanup")
}

func TestSetOnline_TriggersAutomaticDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.SetOnline(ctx, false)
	f.createGradeNote(t, "c1", repo.DetailInput{StudentID: "stu-a", Value: "12"})

	f.orch.SetOnline(ctx, true)

	assert.Eventually(t, func() bool {
		pending, err := f.queue.PendingCount(ctx)
		return err == nil && pending == 0
	}, 2*time.Second, 10*time.Millisecond, "reconnect should drain the queue automatically")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createGradeNote(t, "c1", repo.DetailInput{StudentID: "stu-a", Value: "12"})

	status, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.PendingCount)
	assert.Zero(t, status.FailedCount)
	assert.True(t, status.IsOnline)
	assert.False(t, status.IsPublishing)
	assert.Nil(t, status.LastResult)

	_, err = f.orch.ProcessSyncQueue(ctx)
	require.NoError(t, err)

	status, err = f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
	require.NotNil(t, status.LastResult)
	assert.True(t, status.LastResult.Success)
}

func TestResult_GoldenShape(t *testing.T) {
	res := Result{
		Success: false,
		Synced:  []string{"note-1", "note-2"},
		Failed:  []string{"note-3"},
		Errors: []ItemError{
			{NoteID: "note-3", Error: "term closed"},
		},
	}

	data, err := json.MarshalIndent(res, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "drain_result", data)
}
