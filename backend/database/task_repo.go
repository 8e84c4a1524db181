package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/leshun/autopost/backend/models"
)

// ErrBadTransition is returned when a lifecycle method is invoked from a
// state the task state machine does not allow.
var ErrBadTransition = errors.New("task status transition not allowed")

// TaskRepo handles task database operations and lifecycle transitions
type TaskRepo struct {
	db *DB
}

// NewTaskRepo creates a new task repository
func NewTaskRepo(db *DB) *TaskRepo {
	return &TaskRepo{db: db}
}

// Create creates a new task
func (r *TaskRepo) Create(task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.DailyCount <= 0 {
		task.DailyCount = 1
	}

	model := FromTask(task)
	if err := r.db.conn.Create(model).Error; err != nil {
		return err
	}

	*task = *model.ToTask()
	return nil
}

// GetByID retrieves a task by ID
func (r *TaskRepo) GetByID(id string) (*models.Task, error) {
	var model TaskModel
	if err := r.db.conn.Where("id = ?", id).First(&model).Error; err != nil {
		return nil, fmt.Errorf("task not found")
	}
	return model.ToTask(), nil
}

// ListByOwner retrieves tasks for an owner with an optional status filter
func (r *TaskRepo) ListByOwner(ownerID, status string, limit, offset int) ([]*models.Task, error) {
	query := r.db.conn.Model(&TaskModel{})
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var modelList []TaskModel
	err := query.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	tasks := make([]*models.Task, len(modelList))
	for i, model := range modelList {
		tasks[i] = model.ToTask()
	}
	return tasks, nil
}

// ListRunning retrieves every task in running state, for startup recovery
func (r *TaskRepo) ListRunning() ([]*models.Task, error) {
	var modelList []TaskModel
	err := r.db.conn.Where("status = ?", models.TaskStatusRunning).
		Order("created_at").
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	tasks := make([]*models.Task, len(modelList))
	for i, model := range modelList {
		tasks[i] = model.ToTask()
	}
	return tasks, nil
}

// Update updates a task
func (r *TaskRepo) Update(task *models.Task) error {
	model := FromTask(task)
	result := r.db.conn.Save(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task not found")
	}
	*task = *model.ToTask()
	return nil
}

// Start transitions pending|paused -> running
func (r *TaskRepo) Start(id string) error {
	return r.transition(id, models.TaskStatusRunning,
		models.TaskStatusPending, models.TaskStatusPaused)
}

// Pause transitions running -> paused
func (r *TaskRepo) Pause(id string) error {
	return r.transition(id, models.TaskStatusPaused, models.TaskStatusRunning)
}

// Complete transitions running -> completed
func (r *TaskRepo) Complete(id string) error {
	return r.transition(id, models.TaskStatusCompleted, models.TaskStatusRunning)
}

// Fail transitions any non-terminal state -> failed. Failed is terminal.
func (r *TaskRepo) Fail(id string) error {
	return r.transition(id, models.TaskStatusFailed,
		models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusPaused)
}

// transition performs a guarded status update; the status guard makes the
// transition atomic under concurrent lifecycle calls.
func (r *TaskRepo) transition(id, to string, from ...string) error {
	res := r.db.conn.Model(&TaskModel{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// distinguish a missing task from a rejected transition
		var count int64
		if err := r.db.conn.Model(&TaskModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("task not found")
		}
		return ErrBadTransition
	}
	return nil
}

// IncrementExecuted bumps the executed counter after a successful submission
func (r *TaskRepo) IncrementExecuted(id string) error {
	return r.db.conn.Model(&TaskModel{}).
		Where("id = ?", id).
		UpdateColumn("executed_count", gorm.Expr("executed_count + 1")).Error
}

// Delete deletes a task and its dependent execution records
func (r *TaskRepo) Delete(id string) error {
	return r.db.conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ExecutionRecordModel{}, "task_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&TaskModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("task not found")
		}
		return nil
	})
}
