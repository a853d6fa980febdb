package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
	"github.com/noah-isme/od-approval-api/pkg/retry"
)

type requestReader interface {
	ListPrimary(ctx context.Context, filters ...repository.Filter) ([]models.ODRequest, error)
	ListLegacy(ctx context.Context, userID string) ([]models.ODRequest, error)
	LiveSnapshot(ctx context.Context, prefix string) ([]models.ODRequest, error)
	SubscribePrimary(ctx context.Context, fn func(repository.DocumentChange)) (repository.Subscription, error)
	SubscribeLive(ctx context.Context, prefix string, fn func(repository.LiveChange)) (repository.Subscription, error)
}

// RequestsObserver receives the merged, newest-first request list with its summary counts.
type RequestsObserver func(requests []models.ODRequest, counts models.RequestCounts)

// RequestQueryService presents one deduplicated view over the durable store, the live store and
// legacy records.
type RequestQueryService struct {
	reader requestReader
	logger *zap.Logger
	policy retry.Policy
}

// NewRequestQueryService constructs the query layer.
func NewRequestQueryService(reader requestReader, logger *zap.Logger, policy *retry.Policy) *RequestQueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := retry.DefaultPolicy
	if policy != nil {
		p = *policy
	}
	return &RequestQueryService{reader: reader, logger: logger, policy: p}
}

// requestView is the merged map keyed by primary id.
type requestView struct {
	items map[string]models.ODRequest
}

func newRequestView() *requestView {
	return &requestView{items: make(map[string]models.ODRequest)}
}

// merge applies last-writer-wins on updatedAt. A record strictly older than the held copy is
// discarded and legacy records never replace workflow-bearing ones.
func (v *requestView) merge(incoming models.ODRequest) bool {
	if incoming.ID == "" {
		return false
	}
	held, ok := v.items[incoming.ID]
	if !ok {
		v.items[incoming.ID] = incoming
		return true
	}
	incomingLegacy := incoming.Source == models.SourceLegacy
	heldLegacy := held.Source == models.SourceLegacy
	switch {
	case incomingLegacy && !heldLegacy:
		return false
	case heldLegacy && !incomingLegacy:
	case incoming.UpdatedAt < held.UpdatedAt:
		return false
	}
	if incoming.SecondaryPath == "" {
		incoming.SecondaryPath = held.SecondaryPath
		incoming.SecondaryKey = held.SecondaryKey
	}
	v.items[incoming.ID] = incoming
	return true
}

func (v *requestView) remove(id string) bool {
	if _, ok := v.items[id]; !ok {
		return false
	}
	delete(v.items, id)
	return true
}

// removeLive drops a record known only through the live path that was removed.
func (v *requestView) removeLive(path string) bool {
	for id, held := range v.items {
		if held.SecondaryPath == path && held.Source == models.SourceLive {
			delete(v.items, id)
			return true
		}
	}
	return false
}

func (v *requestView) list() []models.ODRequest {
	out := make([]models.ODRequest, 0, len(v.items))
	for _, req := range v.items {
		out = append(out, req)
	}
	SortRequests(out)
	return out
}

// ObserveRequests streams the merged request view visible to role. onChange fires once after the
// initial load and again after every merge that changes the view.
func (s *RequestQueryService) ObserveRequests(ctx context.Context, role models.UserRole, currentUserID string, onChange RequestsObserver) (Unsubscribe, error) {
	var (
		mu     sync.Mutex
		closed atomic.Bool
	)
	view := newRequestView()
	inScope := scopeFor(role, currentUserID)

	emit := func() {
		if closed.Load() || onChange == nil {
			return
		}
		list := view.list()
		onChange(list, ComputeCounts(list, role))
	}

	primarySub, err := s.reader.SubscribePrimary(ctx, func(change repository.DocumentChange) {
		mu.Lock()
		defer mu.Unlock()
		changed := false
		switch change.Type {
		case repository.ChangeUpsert:
			if change.Document == nil {
				return
			}
			req, err := repository.DecodeRequest(*change.Document, models.SourcePrimary)
			if err != nil {
				s.logger.Warn("skipping undecodable request", zap.String("id", change.ID), zap.Error(err))
				return
			}
			if inScope(req) {
				changed = view.merge(*req)
			}
		case repository.ChangeDelete:
			changed = view.remove(change.ID)
		case repository.ChangeResync:
			changed = s.loadPrimary(ctx, view, role, currentUserID, inScope) == nil
		}
		if changed {
			emit()
		}
	})
	if err != nil {
		return nil, err
	}

	prefix := livePrefix(role, currentUserID)
	liveSub, err := s.reader.SubscribeLive(ctx, prefix, func(change repository.LiveChange) {
		mu.Lock()
		defer mu.Unlock()
		changed := false
		switch change.Type {
		case repository.ChangeUpsert:
			req, err := repository.DecodeLiveRequest(change.Path, change.Value)
			if err != nil {
				return
			}
			if inScope(req) {
				changed = view.merge(*req)
			}
		case repository.ChangeDelete:
			changed = view.removeLive(change.Path)
		}
		if changed {
			emit()
		}
	})
	if err != nil {
		_ = primarySub.Close()
		return nil, err
	}

	unsubscribe := func() {
		closed.Store(true)
		if err := multierr.Combine(primarySub.Close(), liveSub.Close()); err != nil {
			s.logger.Warn("failed to close request subscriptions", zap.Error(err))
		}
	}
	var once sync.Once
	handle := Unsubscribe(func() { once.Do(unsubscribe) })

	mu.Lock()
	err = s.load(ctx, view, role, currentUserID, inScope)
	if err == nil {
		emit()
	}
	mu.Unlock()
	if err != nil {
		handle()
		return nil, err
	}
	return handle, nil
}

// Snapshot performs the same merge once and returns the result.
func (s *RequestQueryService) Snapshot(ctx context.Context, role models.UserRole, currentUserID string) ([]models.ODRequest, models.RequestCounts, error) {
	view := newRequestView()
	if err := s.load(ctx, view, role, currentUserID, scopeFor(role, currentUserID)); err != nil {
		return nil, models.RequestCounts{}, err
	}
	list := view.list()
	return list, ComputeCounts(list, role), nil
}

// load merges durable, live and (for students) legacy records into view. The live store is
// optional: when it fails the durable view is still served.
func (s *RequestQueryService) load(ctx context.Context, view *requestView, role models.UserRole, currentUserID string, inScope func(*models.ODRequest) bool) error {
	if err := s.loadPrimary(ctx, view, role, currentUserID, inScope); err != nil {
		return err
	}

	live, err := retry.Value(ctx, s.policy, func(ctx context.Context) ([]models.ODRequest, error) {
		return s.reader.LiveSnapshot(ctx, livePrefix(role, currentUserID))
	})
	if err != nil {
		s.logger.Warn("live snapshot unavailable, serving durable view", zap.Error(err))
	}
	for i := range live {
		if inScope(&live[i]) {
			view.merge(live[i])
		}
	}

	if role != models.RoleStudent || currentUserID == "" {
		return nil
	}
	legacy, err := retry.Value(ctx, s.policy, func(ctx context.Context) ([]models.ODRequest, error) {
		return s.reader.ListLegacy(ctx, currentUserID)
	})
	if err != nil {
		s.logger.Warn("legacy records unavailable", zap.String("user_id", currentUserID), zap.Error(err))
		return nil
	}
	for _, req := range legacy {
		view.merge(req)
	}
	return nil
}

func (s *RequestQueryService) loadPrimary(ctx context.Context, view *requestView, role models.UserRole, currentUserID string, inScope func(*models.ODRequest) bool) error {
	primary, err := retry.Value(ctx, s.policy, func(ctx context.Context) ([]models.ODRequest, error) {
		if role == models.RoleStudent {
			byUser, err := s.reader.ListPrimary(ctx, repository.Filter{Field: "userId", Value: currentUserID})
			if err != nil {
				return nil, err
			}
			byStudent, err := s.reader.ListPrimary(ctx, repository.Filter{Field: "studentId", Value: currentUserID})
			if err != nil {
				return nil, err
			}
			return append(byUser, byStudent...), nil
		}
		return s.reader.ListPrimary(ctx)
	})
	if err != nil {
		return unavailable(err, "od request store unavailable")
	}
	for _, req := range primary {
		if inScope(&req) {
			view.merge(req)
		}
	}
	return nil
}

// FilterForRole narrows requests to what role sees under filter and search. It performs no I/O.
func FilterForRole(requests []models.ODRequest, role models.UserRole, filter models.RequestFilter, search, currentUserID string) []models.ODRequest {
	inScope := scopeFor(role, currentUserID)
	term := strings.ToLower(strings.TrimSpace(search))

	out := make([]models.ODRequest, 0, len(requests))
	for i := range requests {
		req := &requests[i]
		if !inScope(req) || !matchesFilter(req, role, filter) {
			continue
		}
		if term != "" && !matchesSearch(req, term) {
			continue
		}
		out = append(out, *req)
	}
	return out
}

// ComputeCounts summarises requests as seen by role.
func ComputeCounts(requests []models.ODRequest, role models.UserRole) models.RequestCounts {
	counts := models.RequestCounts{Total: len(requests)}
	for i := range requests {
		req := &requests[i]
		switch req.Stage() {
		case models.StageEventLeaderPending:
			counts.EventLeaderPending++
		case models.StageFacultyPending:
			counts.FacultyPending++
		}
		if matchesFilter(req, role, models.FilterPending) {
			counts.Pending++
		}
		if matchesFilter(req, role, models.FilterApproved) {
			counts.Approved++
		}
		if matchesFilter(req, role, models.FilterRejected) {
			counts.Rejected++
		}
	}
	return counts
}

// SortRequests orders newest first by creation time, then by id.
func SortRequests(list []models.ODRequest) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := createdAt(&list[i]), createdAt(&list[j])
		if a != b {
			return a > b
		}
		return list[i].ID < list[j].ID
	})
}

func createdAt(req *models.ODRequest) int64 {
	if req.CreatedAt != 0 {
		return req.CreatedAt
	}
	if req.SubmittedAt != 0 {
		return req.SubmittedAt
	}
	return req.UpdatedAt
}

func matchesFilter(req *models.ODRequest, role models.UserRole, filter models.RequestFilter) bool {
	stage := req.Stage()
	switch filter {
	case "", models.FilterAll:
		return true
	case models.FilterPending:
		switch role {
		case models.RoleEventLeader:
			return stage == models.StageEventLeaderPending
		case models.RoleFaculty:
			return stage == models.StageFacultyPending
		}
		if req.IsLegacy() {
			return req.Status == models.StatusPending
		}
		return stage == models.StageEventLeaderPending || stage == models.StageFacultyPending
	case models.FilterApproved:
		return stage == models.StageCompleted || (req.IsLegacy() && req.Status == models.StatusApproved)
	case models.FilterRejected:
		return stage == models.StageRejectedByEventLeader || stage == models.StageRejectedByFaculty ||
			(req.IsLegacy() && req.Status == models.StatusRejected)
	case models.FilterEventLeaderPending:
		return stage == models.StageEventLeaderPending
	case models.FilterFacultyPending:
		return stage == models.StageFacultyPending
	}
	return false
}

func matchesSearch(req *models.ODRequest, term string) bool {
	for _, field := range []string{req.StudentName, req.UserName, req.EventName, req.StudentID} {
		if field != "" && strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

func scopeFor(role models.UserRole, currentUserID string) func(*models.ODRequest) bool {
	if role != models.RoleStudent {
		return func(*models.ODRequest) bool { return true }
	}
	return func(req *models.ODRequest) bool { return req.OwnedBy(currentUserID) }
}

func livePrefix(role models.UserRole, currentUserID string) string {
	if role == models.RoleStudent {
		return repository.LivePathForUser(currentUserID)
	}
	return models.CollectionODRequests
}
