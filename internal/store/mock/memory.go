// Package mock provides an in-memory store.Store for tests and local runs.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// MemoryStore satisfies store.Store with maps guarded by a lock. Mutations
// run on a store.WriteQueue like the Postgres store, so they are applied one
// at a time in submission order.
type MemoryStore struct {
	// Err, when set, is returned by every operation.
	Err error

	writer *store.WriteQueue

	mu          sync.RWMutex
	issues      map[uuid.UUID]*models.Issue
	byKey       map[string]uuid.UUID
	users       map[uuid.UUID]map[string]struct{}
	events      map[uuid.UUID]*models.IssueEvent
	eventOrder  []uuid.UUID
	crumbs      map[uuid.UUID][]*models.ErrorBreadcrumb
	transitions map[uuid.UUID][]*models.IssueTransition
	keys        map[uuid.UUID]*models.APIKey
}

var _ store.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. Call Close to stop its writer.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		writer:      store.NewWriteQueue(64),
		issues:      map[uuid.UUID]*models.Issue{},
		byKey:       map[string]uuid.UUID{},
		users:       map[uuid.UUID]map[string]struct{}{},
		events:      map[uuid.UUID]*models.IssueEvent{},
		crumbs:      map[uuid.UUID][]*models.ErrorBreadcrumb{},
		transitions: map[uuid.UUID][]*models.IssueTransition{},
		keys:        map[uuid.UUID]*models.APIKey{},
	}
}

// Close stops the writer goroutine.
func (m *MemoryStore) Close() { m.writer.Close() }

func (m *MemoryStore) write(ctx context.Context, fn func() error) error {
	if m.Err != nil {
		return m.Err
	}
	return m.writer.Enqueue(ctx, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return fn()
	})
}

func (m *MemoryStore) read(fn func() error) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn()
}

func (m *MemoryStore) Ping(ctx context.Context) error { return m.Err }

// --- API Keys ---

func (m *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	err := m.read(func() error {
		for _, k := range m.keys {
			if k.KeyPrefix == prefix && k.DeletedAt == nil {
				cp := *k
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

// UpdateAPIKeyLastUsed bypasses the write queue like the Postgres store.
func (m *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	return m.write(ctx, func() error {
		if _, exists := m.keys[key.ID]; exists {
			return store.ErrDuplicateKey
		}
		for _, k := range m.keys {
			if k.Name == key.Name && k.DeletedAt == nil {
				return store.ErrDuplicateKey
			}
		}
		cp := *key
		m.keys[key.ID] = &cp
		return nil
	})
}

func (m *MemoryStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	var out []*models.APIKey
	err := m.read(func() error {
		for _, k := range m.keys {
			if k.DeletedAt == nil {
				cp := *k
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (m *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	return m.write(ctx, func() error {
		k, ok := m.keys[id]
		if !ok || k.DeletedAt != nil {
			return store.ErrNotFound
		}
		now := time.Now().UTC()
		k.DeletedAt = &now
		return nil
	})
}

// --- Issues ---

func issueKey(project, fingerprint string) string { return project + "\x00" + fingerprint }

func (m *MemoryStore) UpsertIssue(ctx context.Context, p store.UpsertIssueParams) (uuid.UUID, bool, error) {
	var id uuid.UUID
	var created bool
	err := m.write(ctx, func() error {
		now := time.Now().UTC()
		existing, ok := m.byKey[issueKey(p.ProjectID, p.Fingerprint)]
		if ok {
			issue := m.issues[existing]
			issue.OccurrenceCount++
			if p.SeenAt.After(issue.LastSeenAt) {
				issue.LastSeenAt = p.SeenAt
			}
			issue.LastOccurrenceAt = now
			issue.UpdatedAt = now
			id = existing
		} else {
			substatus := models.SubstatusNew
			tags := p.Tags
			if tags == nil {
				tags = map[string]string{}
			}
			metadata := p.Metadata
			if metadata == nil {
				metadata = map[string]any{}
			}
			id = uuid.New()
			m.issues[id] = &models.Issue{
				ID:               id,
				ProjectID:        p.ProjectID,
				Fingerprint:      p.Fingerprint,
				Title:            p.Title,
				Culprit:          p.Culprit,
				ErrorType:        p.ErrorType,
				Category:         p.Category,
				Level:            p.Level,
				Platform:         p.Platform,
				ServiceName:      p.ServiceName,
				FirstSeenAt:      p.SeenAt,
				LastSeenAt:       p.SeenAt,
				LastOccurrenceAt: now,
				OccurrenceCount:  1,
				Status:           models.IssueStatusUnresolved,
				Substatus:        &substatus,
				Priority:         models.PriorityMedium,
				Tags:             tags,
				Metadata:         metadata,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			m.byKey[issueKey(p.ProjectID, p.Fingerprint)] = id
			created = true
		}

		if p.UserID != "" {
			set := m.users[id]
			if set == nil {
				set = map[string]struct{}{}
				m.users[id] = set
			}
			if _, seen := set[p.UserID]; !seen {
				set[p.UserID] = struct{}{}
				m.issues[id].AffectedUsersCount++
			}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, created, nil
}

func (m *MemoryStore) GetIssue(ctx context.Context, id uuid.UUID) (*models.Issue, error) {
	var out *models.Issue
	err := m.read(func() error {
		issue, ok := m.issues[id]
		if !ok {
			return store.ErrNotFound
		}
		cp := *issue
		out = &cp
		return nil
	})
	return out, err
}

func (m *MemoryStore) ListIssues(ctx context.Context, f store.IssueFilter) ([]*models.Issue, int, error) {
	var matched []*models.Issue
	err := m.read(func() error {
		for _, issue := range m.issues {
			if f.ProjectID != "" && issue.ProjectID != f.ProjectID ||
				f.Status != "" && issue.Status != f.Status ||
				f.Priority != "" && issue.Priority != f.Priority ||
				f.Level != "" && issue.Level != f.Level ||
				f.ServiceName != "" && issue.ServiceName != f.ServiceName ||
				f.AssignedTo != "" && (issue.AssignedTo == nil || *issue.AssignedTo != f.AssignedTo) {
				continue
			}
			cp := *issue
			matched = append(matched, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastSeenAt.Equal(matched[j].LastSeenAt) {
			return matched[i].LastSeenAt.After(matched[j].LastSeenAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	total := len(matched)
	return window(matched, f.Offset, f.Limit), total, nil
}

func (m *MemoryStore) TransitionIssue(ctx context.Context, id uuid.UUID, fn store.TransitionFunc) (*models.Issue, error) {
	var out *models.Issue
	err := m.write(ctx, func() error {
		issue, ok := m.issues[id]
		if !ok {
			return store.ErrNotFound
		}
		current := *issue
		change, err := fn(&current)
		if err != nil {
			return err
		}

		from := issue.Status
		issue.Status = change.To
		issue.Substatus = change.Substatus
		issue.ResolvedAt = change.ResolvedAt
		issue.ResolvedBy = change.ResolvedBy
		if change.Regression {
			issue.RegressionCount++
		}
		issue.UpdatedAt = change.At

		m.transitions[id] = append(m.transitions[id], &models.IssueTransition{
			ID:         uuid.New(),
			IssueID:    id,
			FromStatus: from,
			ToStatus:   change.To,
			Reason:     change.Reason,
			Actor:      change.Actor,
			CreatedAt:  change.At,
		})
		cp := *issue
		out = &cp
		return nil
	})
	return out, err
}

func (m *MemoryStore) AssignIssue(ctx context.Context, id uuid.UUID, owner string, at time.Time) error {
	return m.write(ctx, func() error {
		issue, ok := m.issues[id]
		if !ok {
			return store.ErrNotFound
		}
		issue.AssignedTo = &owner
		issue.UpdatedAt = at
		return nil
	})
}

func (m *MemoryStore) SetIssuePriority(ctx context.Context, id uuid.UUID, priority models.IssuePriority, at time.Time) error {
	return m.write(ctx, func() error {
		issue, ok := m.issues[id]
		if !ok {
			return store.ErrNotFound
		}
		issue.Priority = priority
		issue.UpdatedAt = at
		return nil
	})
}

// --- Events ---

func (m *MemoryStore) LinkEvent(ctx context.Context, ev *models.IssueEvent) error {
	return m.write(ctx, func() error {
		if _, ok := m.issues[ev.IssueID]; !ok {
			return store.ErrNotFound
		}
		cp := *ev
		m.events[ev.ID] = &cp
		m.eventOrder = append(m.eventOrder, ev.ID)
		return nil
	})
}

func (m *MemoryStore) AddBreadcrumbs(ctx context.Context, crumbs []*models.ErrorBreadcrumb) error {
	return m.write(ctx, func() error {
		for _, c := range crumbs {
			if _, ok := m.events[c.EventID]; !ok {
				return store.ErrNotFound
			}
		}
		for _, c := range crumbs {
			cp := *c
			m.crumbs[c.EventID] = append(m.crumbs[c.EventID], &cp)
		}
		return nil
	})
}

func (m *MemoryStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.IssueEvent, error) {
	var out *models.IssueEvent
	err := m.read(func() error {
		ev, ok := m.events[id]
		if !ok {
			return store.ErrNotFound
		}
		cp := *ev
		out = &cp
		return nil
	})
	return out, err
}

func (m *MemoryStore) ListEvents(ctx context.Context, issueID uuid.UUID, limit int) ([]*models.IssueEvent, int, error) {
	var out []*models.IssueEvent
	err := m.read(func() error {
		// Walk insertion order backwards so equal timestamps list newest first.
		for i := len(m.eventOrder) - 1; i >= 0; i-- {
			ev := m.events[m.eventOrder[i]]
			if ev.IssueID == issueID {
				cp := *ev
				out = append(out, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return window(out, 0, limit), len(out), nil
}

func (m *MemoryStore) ListBreadcrumbs(ctx context.Context, eventID uuid.UUID, limit int) ([]*models.ErrorBreadcrumb, int, error) {
	var out []*models.ErrorBreadcrumb
	err := m.read(func() error {
		for _, c := range m.crumbs[eventID] {
			cp := *c
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return window(out, 0, limit), len(out), nil
}

func (m *MemoryStore) ListTransitions(ctx context.Context, issueID uuid.UUID, limit int) ([]*models.IssueTransition, int, error) {
	var out []*models.IssueTransition
	err := m.read(func() error {
		for _, t := range m.transitions[issueID] {
			cp := *t
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return window(out, 0, limit), len(out), nil
}

// --- Regressions ---

func (m *MemoryStore) FindRegressionCandidates(ctx context.Context, service, deployVersion string) ([]uuid.UUID, error) {
	var found []*models.Issue
	err := m.read(func() error {
		for _, issue := range m.issues {
			if issue.Status != models.IssueStatusResolved || issue.ResolvedAt == nil ||
				!issue.LastOccurrenceAt.After(*issue.ResolvedAt) {
				continue
			}
			if service != "" && issue.ServiceName != service {
				continue
			}
			if deployVersion != "" && !m.hasReleaseEventAfter(issue.ID, deployVersion, *issue.ResolvedAt) {
				continue
			}
			found = append(found, issue)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].LastOccurrenceAt.After(found[j].LastOccurrenceAt) })
	ids := make([]uuid.UUID, len(found))
	for i, issue := range found {
		ids[i] = issue.ID
	}
	return ids, nil
}

func (m *MemoryStore) hasReleaseEventAfter(issueID uuid.UUID, release string, after time.Time) bool {
	for _, ev := range m.events {
		if ev.IssueID == issueID && ev.ReleaseVersion != nil && *ev.ReleaseVersion == release && ev.CreatedAt.After(after) {
			return true
		}
	}
	return false
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
