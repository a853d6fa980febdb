package service

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
	"github.com/noah-isme/od-approval-api/pkg/events"
	"github.com/noah-isme/od-approval-api/pkg/retry"
)

var fastPolicy = retry.Policy{Attempts: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type workflowFixture struct {
	primary       *repository.MemoryDocumentStore
	live          *repository.MemoryLiveStore
	store         *repository.DualWriteStore
	requests      *repository.ODRequestRepository
	notifications *repository.NotificationRepository
	activities    *repository.ActivityRepository
	accounts      *repository.MemoryAccountRepository
	events        *EventService
	ledger        *NotificationService
	workflow      *WorkflowService
	publisher     *recordingPublisher
}

func newWorkflowFixture(opts ...WorkflowOption) *workflowFixture {
	primary := repository.NewMemoryDocumentStore()
	live := repository.NewMemoryLiveStore()
	store := repository.NewDualWriteStore(primary, live)
	f := &workflowFixture{
		primary:       primary,
		live:          live,
		store:         store,
		requests:      repository.NewODRequestRepository(store),
		notifications: repository.NewNotificationRepository(store),
		activities:    repository.NewActivityRepository(store),
		accounts: repository.NewMemoryAccountRepository(
			models.Account{ID: "L1", DisplayName: "Leader One", Role: models.RoleEventLeader, Active: true},
			models.Account{ID: "L2", DisplayName: "Leader Two", Role: models.RoleEventLeader, Active: true},
			models.Account{ID: "F1", DisplayName: "Faculty One", Role: models.RoleFaculty, Active: true},
			models.Account{ID: "S1", DisplayName: "Student One", Role: models.RoleStudent, Active: true},
		),
		publisher: &recordingPublisher{},
	}
	f.events = newCatalog(primary)
	f.ledger = NewNotificationService(f.notifications, f.accounts, nil, nil, WithNotificationReadPolicy(fastPolicy))
	base := []WorkflowOption{
		WithActivityRecorder(f.activities),
		WithEventPublisher(f.publisher),
		WithWorkflowReadPolicy(fastPolicy),
	}
	f.workflow = NewWorkflowService(f.requests, f.events, NewInlineDispatcher(f.ledger), nil, nil, append(base, opts...)...)
	return f
}

var catalogToday = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// newCatalog seeds E1, an open hackathon run by L1, and E2, an event L1 has closed.
func newCatalog(store repository.DocumentStore) *EventService {
	events := repository.NewEventRepository(store)
	for _, event := range []models.Event{
		{ID: "E1", Name: "Hackathon", StartDate: "2024-03-10", EndDate: "2024-03-11", EventLeaderID: "L1", EventLeaderName: "Leader One", Active: true},
		{ID: "E2", Name: "Closed Expo", StartDate: "2024-03-05", EndDate: "2024-03-06", EventLeaderID: "L1", EventLeaderName: "Leader One"},
	} {
		event := event
		if _, err := events.Create(context.Background(), &event); err != nil {
			panic(err)
		}
	}
	return NewEventService(events, nil, nil, func() time.Time { return catalogToday })
}

func studentActor() models.Actor {
	return models.Actor{UserID: "S1", Role: models.RoleStudent, DisplayName: "Student One", Email: "s1@example.edu"}
}

func reviewer(id string, role models.UserRole) models.Actor {
	return models.Actor{UserID: id, Role: role}
}
