package repository

import (
	"context"

	"github.com/noah-isme/od-approval-api/internal/models"
)

// ActivityRepository records user activity entries in both stores.
type ActivityRepository struct {
	store *DualWriteStore
}

// NewActivityRepository constructs the repository.
func NewActivityRepository(store *DualWriteStore) *ActivityRepository {
	return &ActivityRepository{store: store}
}

// Record writes one activity entry, pushed under userActivities/{userId} in the live store.
func (r *ActivityRepository) Record(ctx context.Context, activity *models.UserActivity) (WriteResult, error) {
	data, err := ToMap(activity)
	if err != nil {
		return WriteResult{}, err
	}
	delete(data, "id")
	res, err := r.store.WriteBoth(ctx, WriteInput{
		Collection:           models.CollectionUserActivities,
		DocID:                activity.ID,
		SecondaryPath:        JoinPath(models.CollectionUserActivities, activity.UserID),
		Data:                 data,
		GenerateSecondaryKey: true,
	})
	if err == nil {
		activity.ID = res.PrimaryID
	}
	return res, err
}
