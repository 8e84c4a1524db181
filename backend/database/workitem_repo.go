package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leshun/autopost/backend/models"
)

// ErrClaimContention is returned by a single claim attempt when another
// caller transitioned the selected row first. ClaimNext retries it a bounded
// number of times, then treats the folder set as exhausted.
var ErrClaimContention = errors.New("work item claimed by concurrent caller")

// WorkItemRepo handles work item database operations, including the
// claim/release read-modify-write that every availability check must go
// through.
type WorkItemRepo struct {
	db            *DB
	claimAttempts uint
	claimBackoff  time.Duration
}

// NewWorkItemRepo creates a new work item repository
func NewWorkItemRepo(db *DB) *WorkItemRepo {
	return &WorkItemRepo{
		db:            db,
		claimAttempts: 3,
		claimBackoff:  50 * time.Millisecond,
	}
}

// SetClaimPolicy overrides the claim retry bound and backoff
func (r *WorkItemRepo) SetClaimPolicy(attempts int, backoff time.Duration) {
	if attempts > 0 {
		r.claimAttempts = uint(attempts)
	}
	if backoff > 0 {
		r.claimBackoff = backoff
	}
}

// Create creates a new work item record
func (r *WorkItemRepo) Create(item *models.WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = models.WorkItemUnclaimed
	}

	model := FromWorkItem(item)
	if err := r.db.conn.Create(model).Error; err != nil {
		return err
	}

	*item = *model.ToWorkItem()
	return nil
}

// GetByID retrieves a work item by ID
func (r *WorkItemRepo) GetByID(id string) (*models.WorkItem, error) {
	var model WorkItemModel
	if err := r.db.conn.Where("id = ?", id).First(&model).Error; err != nil {
		return nil, fmt.Errorf("work item not found")
	}
	return model.ToWorkItem(), nil
}

// ClaimNext hands out the oldest unclaimed work item for the owner within
// the folder scope, transitioning it to claimed exactly once. A nil item
// with a nil error means the folder set is exhausted.
func (r *WorkItemRepo) ClaimNext(ownerID string, folders []string) (*models.WorkItem, error) {
	var item *models.WorkItem
	err := retry.Do(
		func() error {
			var err error
			item, err = r.tryClaim(ownerID, folders)
			return err
		},
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrClaimContention) }),
		retry.Attempts(r.claimAttempts),
		retry.Delay(r.claimBackoff),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, ErrClaimContention) {
		// retry bound spent; report exhaustion rather than an error
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// tryClaim performs one locked select-then-transition attempt.
func (r *WorkItemRepo) tryClaim(ownerID string, folders []string) (*models.WorkItem, error) {
	var out *models.WorkItem
	err := r.db.conn.Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ? AND status = ?", ownerID, models.WorkItemUnclaimed)
		if len(folders) > 0 {
			query = query.Where("folder IN ?", folders)
		}

		var model WorkItemModel
		err := query.Order("created_at ASC, id ASC").First(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // exhausted, not an error
		}
		if err != nil {
			return err
		}

		// The status guard in the WHERE clause is the compare-and-swap:
		// zero rows affected means another claimant raced ahead.
		res := tx.Model(&WorkItemModel{}).
			Where("id = ? AND status = ?", model.ID, models.WorkItemUnclaimed).
			Updates(map[string]interface{}{
				"status":     models.WorkItemClaimed,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrClaimContention
		}

		model.Status = models.WorkItemClaimed
		out = model.ToWorkItem()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimBatch claims up to count work items, stopping early on exhaustion.
// A shorter list than requested means there is not enough work left.
func (r *WorkItemRepo) ClaimBatch(ownerID string, folders []string, count int) ([]*models.WorkItem, error) {
	items := make([]*models.WorkItem, 0, count)
	for i := 0; i < count; i++ {
		item, err := r.ClaimNext(ownerID, folders)
		if err != nil {
			return items, err
		}
		if item == nil {
			break
		}
		items = append(items, item)
	}
	return items, nil
}

// Release reverts a claimed work item to unclaimed
func (r *WorkItemRepo) Release(id string) error {
	res := r.db.conn.Model(&WorkItemModel{}).
		Where("id = ? AND status = ?", id, models.WorkItemClaimed).
		Updates(map[string]interface{}{
			"status":     models.WorkItemUnclaimed,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("work item not claimed")
	}
	return nil
}

// MarkExecuted transitions a claimed work item to executed and records its
// new archival path.
func (r *WorkItemRepo) MarkExecuted(id, newPath string) error {
	now := time.Now()
	res := r.db.conn.Model(&WorkItemModel{}).
		Where("id = ? AND status = ?", id, models.WorkItemClaimed).
		Updates(map[string]interface{}{
			"status":      models.WorkItemExecuted,
			"path":        newPath,
			"executed_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("work item not claimed")
	}
	return nil
}

// ListByOwner retrieves work items for an owner with optional filters
func (r *WorkItemRepo) ListByOwner(ownerID, folder, status string, limit, offset int) ([]*models.WorkItem, error) {
	query := r.db.conn.Model(&WorkItemModel{}).Where("owner_id = ?", ownerID)
	if folder != "" {
		query = query.Where("folder = ?", folder)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var modelList []WorkItemModel
	err := query.Order("created_at ASC, id ASC").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	items := make([]*models.WorkItem, len(modelList))
	for i, model := range modelList {
		items[i] = model.ToWorkItem()
	}
	return items, nil
}

// CountByOwner counts work items for an owner with optional filters
func (r *WorkItemRepo) CountByOwner(ownerID, folder, status string) (int, error) {
	query := r.db.conn.Model(&WorkItemModel{}).Where("owner_id = ?", ownerID)
	if folder != "" {
		query = query.Where("folder = ?", folder)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var count int64
	err := query.Count(&count).Error
	return int(count), err
}

// Delete deletes a work item and its dependent execution records
func (r *WorkItemRepo) Delete(id string) error {
	return r.db.conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ExecutionRecordModel{}, "work_item_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&WorkItemModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("work item not found")
		}
		return nil
	})
}
