package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/od-approval-api/internal/models"
)

// ODRequestRepository maps OD requests onto the dual-write adapter.
type ODRequestRepository struct {
	store *DualWriteStore
}

// NewODRequestRepository constructs the repository.
func NewODRequestRepository(store *DualWriteStore) *ODRequestRepository {
	return &ODRequestRepository{store: store}
}

// LivePathForUser is the live-store parent under which a student's requests are pushed.
func LivePathForUser(userID string) string {
	return JoinPath(models.CollectionODRequests, userID)
}

// Create writes a new request to both stores, pushing the live copy under the student's path.
func (r *ODRequestRepository) Create(ctx context.Context, req *models.ODRequest) (WriteResult, error) {
	data, err := requestData(req)
	if err != nil {
		return WriteResult{}, err
	}
	return r.store.WriteBoth(ctx, WriteInput{
		Collection:           models.CollectionODRequests,
		DocID:                req.ID,
		SecondaryPath:        LiveParentFor(req),
		Data:                 data,
		GenerateSecondaryKey: true,
	})
}

// FindByID reads a workflow request from the durable store.
func (r *ODRequestRepository) FindByID(ctx context.Context, id string) (*models.ODRequest, error) {
	doc, err := r.store.Primary().Get(ctx, models.CollectionODRequests, id)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(doc, models.SourcePrimary)
}

// Update applies patch to both copies of a request, gated by conds on the durable copy.
func (r *ODRequestRepository) Update(ctx context.Context, id, secondaryPath string, patch map[string]interface{}, conds ...Precondition) (*models.ODRequest, error) {
	doc, err := r.store.UpdateBoth(ctx, models.CollectionODRequests, id, secondaryPath, patch, conds...)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(doc, models.SourcePrimary)
}

// LinkSecondary records the live-store location on both copies so their updatedAt stamps agree.
func (r *ODRequestRepository) LinkSecondary(ctx context.Context, id string, res WriteResult) error {
	_, err := r.store.UpdateBoth(ctx, models.CollectionODRequests, id, res.SecondaryPath, map[string]interface{}{
		"secondaryKey":  res.SecondaryKey,
		"secondaryPath": res.SecondaryPath,
	})
	return err
}

// ListPrimary queries workflow requests from the durable store, newest first.
func (r *ODRequestRepository) ListPrimary(ctx context.Context, filters ...Filter) ([]models.ODRequest, error) {
	docs, err := r.store.Primary().Query(ctx, models.CollectionODRequests, Query{Filters: filters, OrderBy: "createdAt", Desc: true})
	if err != nil {
		return nil, err
	}
	return decodeRequests(docs, models.SourcePrimary)
}

// ListLegacy returns pre-workflow records owned by userID.
func (r *ODRequestRepository) ListLegacy(ctx context.Context, userID string) ([]models.ODRequest, error) {
	docs, err := r.store.Primary().Query(ctx, models.CollectionLegacyODForms, Query{Filters: []Filter{{Field: "userId", Value: userID}}})
	if err != nil {
		return nil, err
	}
	return decodeRequests(docs, models.SourceLegacy)
}

// LiveParentFor returns the live list a request's copy belongs to: its owner's, falling back to
// the student id for records written without a userId.
func LiveParentFor(req *models.ODRequest) string {
	owner := req.UserID
	if owner == "" {
		owner = req.StudentID
	}
	return LivePathForUser(owner)
}

// LiveSnapshot reads every live request under prefix.
func (r *ODRequestRepository) LiveSnapshot(ctx context.Context, prefix string) ([]models.ODRequest, error) {
	values, err := r.store.Secondary().Snapshot(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.ODRequest, 0, len(values))
	for path, raw := range values {
		req, err := DecodeLiveRequest(path, raw)
		if err != nil {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

// LiveGet reads one live copy.
func (r *ODRequestRepository) LiveGet(ctx context.Context, path string) (*models.ODRequest, error) {
	raw, err := r.store.Secondary().Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return DecodeLiveRequest(path, raw)
}

// RestoreLive overwrites the live copy at path from the durable record.
func (r *ODRequestRepository) RestoreLive(ctx context.Context, path string, req *models.ODRequest) error {
	data, err := requestData(req)
	if err != nil {
		return err
	}
	data["primaryId"] = req.ID
	return r.store.Secondary().Set(ctx, path, data)
}

// PushLive writes a new live copy of a durable record that has none and returns its path.
func (r *ODRequestRepository) PushLive(ctx context.Context, req *models.ODRequest) (string, error) {
	data, err := requestData(req)
	if err != nil {
		return "", err
	}
	data["primaryId"] = req.ID
	parent := LiveParentFor(req)
	key, err := r.store.Secondary().Push(ctx, parent, data)
	if err != nil {
		return "", err
	}
	return JoinPath(parent, key), nil
}

// SubscribePrimary streams durable-store changes to workflow requests.
func (r *ODRequestRepository) SubscribePrimary(ctx context.Context, fn func(DocumentChange)) (Subscription, error) {
	return r.store.Primary().Subscribe(ctx, models.CollectionODRequests, fn)
}

// SubscribeLive streams live-store changes under prefix.
func (r *ODRequestRepository) SubscribeLive(ctx context.Context, prefix string, fn func(LiveChange)) (Subscription, error) {
	return r.store.Secondary().Subscribe(ctx, prefix, fn)
}

// DecodeRequest converts a durable document into a request.
func DecodeRequest(doc Document, source models.Source) (*models.ODRequest, error) {
	var req models.ODRequest
	if err := FromMap(doc.Data, &req); err != nil {
		return nil, fmt.Errorf("decode od request %s: %w", doc.ID, err)
	}
	req.ID = doc.ID
	if source == models.SourceLegacy {
		req.LegacyID = doc.ID
	}
	if req.UpdatedAt == 0 {
		req.UpdatedAt = millis(doc.UpdatedAt)
	}
	req.Source = source
	return &req, nil
}

// DecodeLiveRequest converts a live value into a request keyed by its primary id.
func DecodeLiveRequest(path string, raw json.RawMessage) (*models.ODRequest, error) {
	var req models.ODRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode live od request %s: %w", path, err)
	}
	if req.PrimaryID == "" {
		return nil, fmt.Errorf("live od request %s has no primaryId", path)
	}
	req.ID = req.PrimaryID
	req.SecondaryPath = path
	req.SecondaryKey = lastSegment(path)
	if req.UserID == "" {
		req.UserID = models.OwnerFromSecondaryPath(path)
	}
	req.Source = models.SourceLive
	return &req, nil
}

func decodeRequests(docs []Document, source models.Source) ([]models.ODRequest, error) {
	out := make([]models.ODRequest, 0, len(docs))
	for _, doc := range docs {
		req, err := DecodeRequest(doc, source)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, nil
}

func requestData(req *models.ODRequest) (map[string]interface{}, error) {
	data, err := ToMap(req)
	if err != nil {
		return nil, err
	}
	delete(data, "id")
	delete(data, "primaryId")
	delete(data, "documentURL")
	return data, nil
}
