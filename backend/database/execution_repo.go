package database

import (
	"time"

	"github.com/google/uuid"

	"github.com/leshun/autopost/backend/models"
)

// ExecutionRepo handles the append-only execution record log
type ExecutionRepo struct {
	db *DB
}

// NewExecutionRepo creates a new execution record repository
func NewExecutionRepo(db *DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

// Append persists one execution record. Records are never updated.
func (r *ExecutionRepo) Append(record *models.ExecutionRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.ExecutedAt.IsZero() {
		record.ExecutedAt = time.Now()
	}

	model := FromExecutionRecord(record)
	if err := r.db.conn.Create(model).Error; err != nil {
		return err
	}

	*record = *model.ToExecutionRecord()
	return nil
}

// HistoryByTask retrieves a task's execution history, newest first
func (r *ExecutionRepo) HistoryByTask(taskID string, limit int) ([]*models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var modelList []ExecutionRecordModel
	err := r.db.conn.Where("task_id = ?", taskID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	records := make([]*models.ExecutionRecord, len(modelList))
	for i, model := range modelList {
		records[i] = model.ToExecutionRecord()
	}
	return records, nil
}

// CountForSiteSince counts a task's successful submissions to one target
// since the given instant. Used for per-site daily counts.
func (r *ExecutionRepo) CountForSiteSince(taskID, targetURL string, since time.Time) (int, error) {
	var count int64
	err := r.db.conn.Model(&ExecutionRecordModel{}).
		Where("task_id = ? AND target_url = ? AND status = ? AND executed_at >= ?",
			taskID, targetURL, models.ExecutionSuccess, since).
		Count(&count).Error
	return int(count), err
}

// StatsByOwner aggregates outcomes across all of an owner's tasks
func (r *ExecutionRepo) StatsByOwner(ownerID string) (*models.ExecutionStats, error) {
	var total, success int64
	err := r.db.conn.Model(&ExecutionRecordModel{}).
		Joins("JOIN tasks ON tasks.id = execution_records.task_id").
		Where("tasks.owner_id = ?", ownerID).
		Count(&total).Error
	if err != nil {
		return nil, err
	}
	err = r.db.conn.Model(&ExecutionRecordModel{}).
		Joins("JOIN tasks ON tasks.id = execution_records.task_id").
		Where("tasks.owner_id = ? AND execution_records.status = ?", ownerID, models.ExecutionSuccess).
		Count(&success).Error
	if err != nil {
		return nil, err
	}

	stats := &models.ExecutionStats{
		Total:   int(total),
		Success: int(success),
		Failed:  int(total - success),
	}
	if total > 0 {
		stats.SuccessRate = float64(success) / float64(total) * 100
	}
	return stats, nil
}
