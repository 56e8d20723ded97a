package issues

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/store/mock"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

// memCache is an in-process cache.Cache for exercising the cache-aside path.
type memCache struct {
	mu      sync.Mutex
	issues  map[uuid.UUID]models.Issue
	gens    map[uuid.UUID]int64
	getErr  error
	gets    int
	deletes int
}

func newMemCache() *memCache {
	return &memCache{issues: map[uuid.UUID]models.Issue{}, gens: map[uuid.UUID]int64{}}
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }
func (c *memCache) Delete(ctx context.Context, key string) error                { return nil }
func (c *memCache) Ping(ctx context.Context) error                              { return nil }
func (c *memCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 1, nil
}
func (c *memCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (c *memCache) IssueGeneration(ctx context.Context, id uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[id], nil
}

func (c *memCache) SetIssue(ctx context.Context, issue *models.Issue, gen int64, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[issue.ID] != gen {
		return false, nil
	}
	c.issues[issue.ID] = *issue
	return true, nil
}

func (c *memCache) GetIssue(ctx context.Context, id uuid.UUID) (*models.Issue, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	issue, ok := c.issues[id]
	if !ok {
		return nil, false, nil
	}
	return &issue, true, nil
}

func (c *memCache) InvalidateIssue(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	c.gens[id]++
	delete(c.issues, id)
	return nil
}

// gatedCache parks the first repopulate until release is closed.
type gatedCache struct {
	*memCache
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedCache() *gatedCache {
	return &gatedCache{
		memCache: newMemCache(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (c *gatedCache) SetIssue(ctx context.Context, issue *models.Issue, gen int64, ttl time.Duration) (bool, error) {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.memCache.SetIssue(ctx, issue, gen, ttl)
}

// filterSpy records the filter the service hands to the store.
type filterSpy struct {
	*mock.MemoryStore
	last store.IssueFilter
}

func (s *filterSpy) ListIssues(ctx context.Context, f store.IssueFilter) ([]*models.Issue, int, error) {
	s.last = f
	return s.MemoryStore.ListIssues(ctx, f)
}

func newTestService(t *testing.T) (*Service, *mock.MemoryStore) {
	t.Helper()
	st := mock.NewMemoryStore()
	t.Cleanup(st.Close)
	return NewService(st, nil, time.Minute), st
}

func nullRef(project string) UpsertParams {
	return UpsertParams{
		ProjectID:   project,
		Fingerprint: "a1b2c3d4e5f60718",
		Title:       "NullReferenceException: Object ref not set",
		ErrorType:   "NullReferenceException",
		Category:    models.CategoryInternal,
		Level:       "error",
		ServiceName: "checkout",
	}
}

func mustUpsert(t *testing.T, svc *Service, p UpsertParams) uuid.UUID {
	t.Helper()
	id, err := svc.UpsertIssue(context.Background(), p)
	require.NoError(t, err)
	return id
}

func mustIssue(t *testing.T, svc *Service, id uuid.UUID) *models.Issue {
	t.Helper()
	issue, found, err := svc.GetIssue(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	return issue
}

// --- Upsert ---

func TestUpsertIssue_FirstOccurrenceCreatesUnresolvedIssue(t *testing.T) {
	svc, _ := newTestService(t)

	id := mustUpsert(t, svc, nullRef("P1"))
	issue := mustIssue(t, svc, id)

	assert.Equal(t, models.IssueStatusUnresolved, issue.Status)
	assert.Equal(t, models.PriorityMedium, issue.Priority)
	assert.Equal(t, int64(1), issue.OccurrenceCount)
	assert.Equal(t, "P1", issue.ProjectID)
	require.NotNil(t, issue.Substatus)
	assert.Equal(t, models.SubstatusNew, *issue.Substatus)
}

func TestUpsertIssue_RecurrenceDeduplicates(t *testing.T) {
	svc, _ := newTestService(t)

	first := mustUpsert(t, svc, nullRef("P1"))
	second := mustUpsert(t, svc, nullRef("P1"))

	assert.Equal(t, first, second)
	assert.Equal(t, int64(2), mustIssue(t, svc, first).OccurrenceCount)

	page, err := svc.ListIssues(context.Background(), store.IssueFilter{ProjectID: "P1", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestUpsertIssue_SameFingerprintDifferentProject(t *testing.T) {
	svc, _ := newTestService(t)

	a := mustUpsert(t, svc, nullRef("P1"))
	b := mustUpsert(t, svc, nullRef("P2"))
	assert.NotEqual(t, a, b)
}

func TestUpsertIssue_Defaults(t *testing.T) {
	svc, _ := newTestService(t)
	fixed := time.Date(2024, 2, 17, 1, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	id := mustUpsert(t, svc, UpsertParams{ProjectID: "P1", Fingerprint: "fp", ErrorType: "KeyError"})
	issue := mustIssue(t, svc, id)

	assert.Equal(t, "error", issue.Level)
	assert.Equal(t, models.CategoryUnknown, issue.Category)
	assert.Equal(t, "KeyError", issue.Title)
	assert.True(t, issue.FirstSeenAt.Equal(fixed))
	assert.Nil(t, issue.Culprit)
}

func TestUpsertIssue_RequiresProjectAndFingerprint(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.UpsertIssue(context.Background(), UpsertParams{Fingerprint: "fp"})
	assert.ErrorIs(t, err, ErrInvalidIssue)

	_, err = svc.UpsertIssue(context.Background(), UpsertParams{ProjectID: "P1", Fingerprint: "  "})
	assert.ErrorIs(t, err, ErrInvalidIssue)
}

func TestUpsertIssue_ConcurrentOccurrencesCountOnce(t *testing.T) {
	svc, _ := newTestService(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.UpsertIssue(context.Background(), nullRef("P1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	page, err := svc.ListIssues(context.Background(), store.IssueFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(n), page.Items[0].OccurrenceCount)
}

func TestUpsertIssue_StorageErrorPropagates(t *testing.T) {
	svc, st := newTestService(t)
	boom := errors.New("disk full")
	st.Err = boom

	_, err := svc.UpsertIssue(context.Background(), nullRef("P1"))
	assert.ErrorIs(t, err, boom)
}

func TestUpsertIssue_AffectedUsers(t *testing.T) {
	svc, _ := newTestService(t)

	var id uuid.UUID
	for _, user := range []string{"u1", "u2", "u1"} {
		p := nullRef("P1")
		p.UserID = user
		id = mustUpsert(t, svc, p)
	}
	assert.Equal(t, int64(2), mustIssue(t, svc, id).AffectedUsersCount)
}

// --- Lifecycle ---

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.IssueStatus
		want     bool
	}{
		{models.IssueStatusUnresolved, models.IssueStatusAcknowledged, true},
		{models.IssueStatusUnresolved, models.IssueStatusInvestigating, true},
		{models.IssueStatusUnresolved, models.IssueStatusResolved, true},
		{models.IssueStatusUnresolved, models.IssueStatusIgnored, true},
		{models.IssueStatusUnresolved, models.IssueStatusInProgress, false},
		{models.IssueStatusUnresolved, models.IssueStatusRegressed, false},
		{models.IssueStatusAcknowledged, models.IssueStatusInProgress, true},
		{models.IssueStatusAcknowledged, models.IssueStatusResolved, true},
		{models.IssueStatusAcknowledged, models.IssueStatusUnresolved, false},
		{models.IssueStatusInvestigating, models.IssueStatusInProgress, true},
		{models.IssueStatusInvestigating, models.IssueStatusAcknowledged, false},
		{models.IssueStatusInProgress, models.IssueStatusResolved, true},
		{models.IssueStatusInProgress, models.IssueStatusIgnored, true},
		{models.IssueStatusInProgress, models.IssueStatusInvestigating, false},
		{models.IssueStatusResolved, models.IssueStatusRegressed, true},
		{models.IssueStatusResolved, models.IssueStatusInProgress, false},
		{models.IssueStatusResolved, models.IssueStatusAcknowledged, false},
		{models.IssueStatusResolved, models.IssueStatusUnresolved, false},
		{models.IssueStatusIgnored, models.IssueStatusUnresolved, true},
		{models.IssueStatusIgnored, models.IssueStatusResolved, false},
		{models.IssueStatusRegressed, models.IssueStatusAcknowledged, true},
		{models.IssueStatusRegressed, models.IssueStatusResolved, true},
		{models.IssueStatusRegressed, models.IssueStatusUnresolved, false},
		{models.IssueStatusResolved, models.IssueStatusResolved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAllowedTransitions_ReturnsCopy(t *testing.T) {
	allowed := AllowedTransitions(models.IssueStatusResolved)
	require.Equal(t, []models.IssueStatus{models.IssueStatusRegressed}, allowed)

	allowed[0] = models.IssueStatusIgnored
	assert.True(t, CanTransition(models.IssueStatusResolved, models.IssueStatusRegressed))
}

func TestTransitionStatus_LegalPath(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))

	for _, to := range []models.IssueStatus{
		models.IssueStatusAcknowledged,
		models.IssueStatusResolved,
		models.IssueStatusRegressed,
	} {
		ok, err := svc.TransitionStatus(ctx, id, to, "", "alice")
		require.NoError(t, err, "transition to %s", to)
		assert.True(t, ok)
		assert.Equal(t, to, mustIssue(t, svc, id).Status)
	}
}

func TestTransitionStatus_ResolvedToInProgressRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))

	_, err := svc.TransitionStatus(ctx, id, models.IssueStatusResolved, "", "")
	require.NoError(t, err)

	ok, err := svc.TransitionStatus(ctx, id, models.IssueStatusInProgress, "", "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "resolved")
	assert.Contains(t, err.Error(), "in_progress")
	assert.Equal(t, models.IssueStatusResolved, mustIssue(t, svc, id).Status)
}

func TestTransitionStatus_IgnoredPaths(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))

	_, err := svc.TransitionStatus(ctx, id, models.IssueStatusIgnored, "noise", "bob")
	require.NoError(t, err)

	_, err = svc.TransitionStatus(ctx, id, models.IssueStatusResolved, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	ok, err := svc.TransitionStatus(ctx, id, models.IssueStatusUnresolved, "", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransitionStatus_InvalidStatus(t *testing.T) {
	svc, _ := newTestService(t)
	id := mustUpsert(t, svc, nullRef("P1"))

	ok, err := svc.TransitionStatus(context.Background(), id, "closed", "", "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.NotErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionStatus_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	ok, err := svc.TransitionStatus(context.Background(), uuid.New(), models.IssueStatusResolved, "", "")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionStatus_ResolutionBookkeeping(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fixed := time.Date(2024, 2, 17, 9, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	id := mustUpsert(t, svc, nullRef("P1"))

	_, err := svc.TransitionStatus(ctx, id, models.IssueStatusResolved, "fixed in 1.4.3", "alice")
	require.NoError(t, err)

	issue := mustIssue(t, svc, id)
	require.NotNil(t, issue.ResolvedAt)
	assert.True(t, issue.ResolvedAt.Equal(fixed))
	require.NotNil(t, issue.ResolvedBy)
	assert.Equal(t, "alice", *issue.ResolvedBy)
	assert.Nil(t, issue.Substatus)

	_, err = svc.TransitionStatus(ctx, id, models.IssueStatusRegressed, "", "")
	require.NoError(t, err)

	issue = mustIssue(t, svc, id)
	assert.Nil(t, issue.ResolvedAt)
	assert.Nil(t, issue.ResolvedBy)
	assert.Equal(t, 1, issue.RegressionCount)
	require.NotNil(t, issue.Substatus)
	assert.Equal(t, models.SubstatusRegressed, *issue.Substatus)
}

func TestTransitionStatus_WritesAuditTrail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))

	_, err := svc.TransitionStatus(ctx, id, models.IssueStatusAcknowledged, "looking", "alice")
	require.NoError(t, err)
	_, err = svc.TransitionStatus(ctx, id, models.IssueStatusResolved, "", "alice")
	require.NoError(t, err)
	_, _ = svc.TransitionStatus(ctx, id, models.IssueStatusIgnored, "", "alice") // rejected, not audited

	page, found, err := svc.GetTransitions(ctx, id, 10)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, models.IssueStatusUnresolved, page.Items[0].FromStatus)
	assert.Equal(t, models.IssueStatusAcknowledged, page.Items[0].ToStatus)
	require.NotNil(t, page.Items[0].Reason)
	assert.Equal(t, "looking", *page.Items[0].Reason)
	assert.Equal(t, models.IssueStatusResolved, page.Items[1].ToStatus)
}

func TestTransitionStatus_SerializedAgainstPersistedStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))

	// Only one of many concurrent resolve attempts can win: after the first,
	// resolved -> resolved is not an edge.
	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, rejections := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.TransitionStatus(ctx, id, models.IssueStatusResolved, "", "")
			mu.Lock()
			defer mu.Unlock()
			if ok {
				wins++
			}
			if errors.Is(err, ErrInvalidTransition) {
				rejections++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, rejections)
}

// --- Ownership and priority ---

func TestAssignOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))

	ok, err := svc.AssignOwner(ctx, id, "  bob ")
	require.NoError(t, err)
	assert.True(t, ok)
	issue := mustIssue(t, svc, id)
	require.NotNil(t, issue.AssignedTo)
	assert.Equal(t, "bob", *issue.AssignedTo)

	_, err = svc.AssignOwner(ctx, id, "   ")
	assert.ErrorIs(t, err, ErrOwnerRequired)

	ok, err = svc.AssignOwner(ctx, uuid.New(), "bob")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestSetPriority(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))

	ok, err := svc.SetPriority(ctx, id, models.PriorityCritical)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.PriorityCritical, mustIssue(t, svc, id).Priority)

	_, err = svc.SetPriority(ctx, id, "urgent")
	assert.ErrorIs(t, err, ErrInvalidPriority)

	ok, err = svc.SetPriority(ctx, uuid.New(), models.PriorityLow)
	assert.NoError(t, err)
	assert.False(t, ok)
}

// --- Listing ---

func TestClampLimitAndOffset(t *testing.T) {
	assert.Equal(t, 1, ClampLimit(-5))
	assert.Equal(t, 1, ClampLimit(0))
	assert.Equal(t, 50, ClampLimit(50))
	assert.Equal(t, 1000, ClampLimit(5000))
	assert.Equal(t, 0, ClampOffset(-3))
	assert.Equal(t, 7, ClampOffset(7))
}

func TestListIssues_ClampsBeforeQuerying(t *testing.T) {
	st := &filterSpy{MemoryStore: mock.NewMemoryStore()}
	t.Cleanup(st.Close)
	svc := NewService(st, nil, time.Minute)
	ctx := context.Background()

	for _, fp := range []string{"a", "b", "c"} {
		p := nullRef("P1")
		p.Fingerprint = fp
		mustUpsert(t, svc, p)
	}

	page, err := svc.ListIssues(ctx, store.IssueFilter{Limit: -5, Offset: -2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 1, st.last.Limit)
	assert.Equal(t, 0, st.last.Offset)

	_, err = svc.ListIssues(ctx, store.IssueFilter{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 1000, st.last.Limit)
}

func TestListIssues_FiltersAndOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2024, 2, 17, 0, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i, fp := range []string{"a", "b", "c"} {
		p := nullRef("P1")
		p.Fingerprint = fp
		p.SeenAt = base.Add(time.Duration(i) * time.Hour)
		ids = append(ids, mustUpsert(t, svc, p))
	}
	_, err := svc.SetPriority(ctx, ids[0], models.PriorityHigh)
	require.NoError(t, err)
	_, err = svc.AssignOwner(ctx, ids[0], "bob")
	require.NoError(t, err)

	page, err := svc.ListIssues(ctx, store.IssueFilter{ProjectID: "P1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, ids[2], page.Items[0].ID)
	assert.Equal(t, ids[0], page.Items[2].ID)

	page, err = svc.ListIssues(ctx, store.IssueFilter{Priority: models.PriorityHigh, AssignedTo: "bob", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)

	page, err = svc.ListIssues(ctx, store.IssueFilter{ProjectID: "nope", Limit: 10})
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

// --- Timeline ---

func TestLinkEvent_DoesNotChangeOccurrenceCount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))

	for i := 0; i < 3; i++ {
		_, err := svc.LinkEvent(ctx, LinkEventParams{IssueID: id, Message: "boom"})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), mustIssue(t, svc, id).OccurrenceCount)
	page, _, err := svc.GetEvents(ctx, id, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}

func TestLinkEvent_MissingIssue(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.LinkEvent(context.Background(), LinkEventParams{IssueID: uuid.New()})
	assert.ErrorIs(t, err, ErrIssueNotFound)
}

func TestGetEvents_NewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))
	base := time.Date(2024, 2, 17, 0, 0, 0, 0, time.UTC)

	for _, offset := range []int{2, 0, 3, 1} {
		_, err := svc.LinkEvent(ctx, LinkEventParams{IssueID: id, Timestamp: base.Add(time.Duration(offset) * time.Minute)})
		require.NoError(t, err)
	}

	page, found, err := svc.GetEvents(ctx, id, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Items, 3)
	for i := 1; i < len(page.Items); i++ {
		assert.False(t, page.Items[i].Timestamp.After(page.Items[i-1].Timestamp))
	}

	_, found, err = svc.GetEvents(ctx, uuid.New(), 10)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetBreadcrumbs_OldestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustUpsert(t, svc, nullRef("P1"))
	base := time.Date(2024, 2, 17, 0, 0, 0, 0, time.UTC)

	eventID, err := svc.LinkEvent(ctx, LinkEventParams{IssueID: id})
	require.NoError(t, err)
	require.NoError(t, svc.AddBreadcrumbs(ctx, eventID, []models.Breadcrumb{
		{Type: "http", Message: "POST /pay", Timestamp: base.Add(2 * time.Second)},
		{Message: "cart loaded", Timestamp: base},
		{Type: "query", Level: "warning", Message: "slow query", Timestamp: base.Add(time.Second)},
	}))

	page, found, err := svc.GetBreadcrumbs(ctx, id, eventID, 10)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "cart loaded", *page.Items[0].Message)
	assert.Equal(t, "default", page.Items[0].Type)
	assert.Equal(t, "info", page.Items[0].Level)
	assert.Equal(t, "slow query", *page.Items[1].Message)
	assert.Equal(t, "POST /pay", *page.Items[2].Message)

	// Event exists but under a different issue.
	_, found, err = svc.GetBreadcrumbs(ctx, uuid.New(), eventID, 10)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddBreadcrumbs_MissingEvent(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.AddBreadcrumbs(context.Background(), uuid.New(), []models.Breadcrumb{{Message: "x"}})
	assert.ErrorIs(t, err, ErrIssueNotFound)
	assert.NoError(t, svc.AddBreadcrumbs(context.Background(), uuid.New(), nil))
}

// --- Cache ---

func TestGetIssue_CacheAside(t *testing.T) {
	st := mock.NewMemoryStore()
	t.Cleanup(st.Close)
	ca := newMemCache()
	svc := NewService(st, ca, time.Minute)
	ctx := context.Background()

	id := mustUpsert(t, svc, nullRef("P1"))
	mustIssue(t, svc, id) // miss, populates
	_, cached := ca.issues[id]
	assert.True(t, cached)

	// A mutation invalidates so the next read sees the new state.
	_, err := svc.SetPriority(ctx, id, models.PriorityLow)
	require.NoError(t, err)
	_, cached = ca.issues[id]
	assert.False(t, cached)
	assert.Equal(t, models.PriorityLow, mustIssue(t, svc, id).Priority)

	// A deduplicated upsert invalidates too.
	mustUpsert(t, svc, nullRef("P1"))
	assert.Equal(t, int64(2), mustIssue(t, svc, id).OccurrenceCount)
}

func TestGetIssue_MutationDuringRepopulateNotServedStale(t *testing.T) {
	st := mock.NewMemoryStore()
	t.Cleanup(st.Close)
	ca := newGatedCache()
	svc := NewService(st, ca, time.Minute)
	ctx := context.Background()

	id := mustUpsert(t, svc, nullRef("P1"))

	// The reader loads the unresolved row and parks before repopulating.
	done := make(chan *models.Issue)
	go func() {
		issue, _, _ := svc.GetIssue(ctx, id)
		done <- issue
	}()
	<-ca.entered

	ok, err := svc.TransitionStatus(ctx, id, models.IssueStatusResolved, "fixed", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	close(ca.release)
	assert.Equal(t, models.IssueStatusUnresolved, (<-done).Status)

	_, cached := ca.issues[id]
	assert.False(t, cached, "stale row must not be cached")
	assert.Equal(t, models.IssueStatusResolved, mustIssue(t, svc, id).Status)
	assert.Equal(t, models.IssueStatusResolved, mustIssue(t, svc, id).Status)
}

func TestGetIssue_CacheFailureFallsBackToStore(t *testing.T) {
	st := mock.NewMemoryStore()
	t.Cleanup(st.Close)
	ca := newMemCache()
	ca.getErr = errors.New("redis down")
	svc := NewService(st, ca, time.Minute)

	id := mustUpsert(t, svc, nullRef("P1"))
	issue := mustIssue(t, svc, id)
	assert.Equal(t, id, issue.ID)
}

func TestGetIssue_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	issue, found, err := svc.GetIssue(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, issue)
}

// --- End to end ---

func TestIngest_EndToEndLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	rec := models.ErrorRecord{
		Name:        "GET /orders",
		Status:      models.SpanStatusError,
		ServiceName: "checkout",
		TraceID:     "trace-1",
		Attributes: json.RawMessage(`{
			"exception.type": "NullReferenceException",
			"exception.message": "Object ref not set",
			"exception.stacktrace": "at Orders.Get() in /src/Orders.cs:line 12",
			"enduser.id": "u-1",
			"service.version": "1.4.2"
		}`),
		Timestamp: time.Date(2024, 2, 17, 1, 0, 0, 0, time.UTC),
		Breadcrumbs: []models.Breadcrumb{
			{Type: "http", Message: "GET /orders", Timestamp: time.Date(2024, 2, 17, 0, 59, 59, 0, time.UTC)},
		},
	}

	// 1. First occurrence opens an unresolved issue.
	first, err := svc.Ingest(ctx, "P1", rec)
	require.NoError(t, err)
	require.NotNil(t, first)
	issue := mustIssue(t, svc, first.IssueID)
	assert.Equal(t, models.IssueStatusUnresolved, issue.Status)
	assert.Equal(t, int64(1), issue.OccurrenceCount)
	assert.Equal(t, "NullReferenceException: Object ref not set", issue.Title)
	require.NotNil(t, issue.Culprit)
	assert.Equal(t, "Orders.Get()", *issue.Culprit)
	assert.Equal(t, "1.4.2", issue.Tags["release"])

	// 2. The same error recurs on another line: same issue, count 2.
	rec.Attributes = json.RawMessage(`{
		"exception.type": "NullReferenceException",
		"exception.message": "Object ref not set",
		"exception.stacktrace": "at Orders.Get() in /src/Orders.cs:line 40"
	}`)
	second, err := svc.Ingest(ctx, "P1", rec)
	require.NoError(t, err)
	assert.Equal(t, first.IssueID, second.IssueID)
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.Equal(t, int64(2), mustIssue(t, svc, first.IssueID).OccurrenceCount)

	crumbs, found, err := svc.GetBreadcrumbs(ctx, first.IssueID, first.EventID, 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, crumbs.Total)

	// 3. Operator resolves it.
	ok, err := svc.TransitionStatus(ctx, first.IssueID, models.IssueStatusResolved, "", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, mustIssue(t, svc, first.IssueID).ResolvedAt)

	// 5. resolved -> acknowledged is rejected and leaves the status alone.
	ok, err = svc.TransitionStatus(ctx, first.IssueID, models.IssueStatusAcknowledged, "", "alice")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.IssueStatusResolved, mustIssue(t, svc, first.IssueID).Status)
}

func TestIngest_SkipsNonErrorRecords(t *testing.T) {
	svc, st := newTestService(t)

	res, err := svc.Ingest(context.Background(), "P1", models.ErrorRecord{Name: "ok", Status: models.SpanStatusOK})
	assert.NoError(t, err)
	assert.Nil(t, res)

	_, total, err := st.ListIssues(context.Background(), store.IssueFilter{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestIngest_GenAIContextCaptured(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, "P1", models.ErrorRecord{
		Name:   "chat gpt-4o",
		Status: models.SpanStatusError,
		Attributes: json.RawMessage(`{
			"exception.type": "RateLimitError",
			"gen_ai.system": "openai",
			"gen_ai.request.model": "gpt-4o",
			"gen_ai.error.type": "rate_limit_exceeded"
		}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryRateLimit, res.Category)

	issue := mustIssue(t, svc, res.IssueID)
	assert.Equal(t, "openai", issue.Metadata["gen_ai.provider"])

	events, _, err := svc.GetEvents(ctx, res.IssueID, 1)
	require.NoError(t, err)
	require.Len(t, events.Items, 1)
	assert.Equal(t, "gpt-4o", events.Items[0].Context["gen_ai.model"])
}
