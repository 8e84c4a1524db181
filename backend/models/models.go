package models

import (
	"net/url"
	"time"
)

// WorkItem represents one uploaded text file and its claim state
type WorkItem struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Filename     string     `json:"filename"`
	OriginalName string     `json:"original_name"`
	Path         string     `json:"path"`
	Size         int64      `json:"size"`
	Folder       string     `json:"folder"`
	Status       string     `json:"status"` // unclaimed, claimed, executed
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Task represents a recurring submission job
type Task struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Name          string     `json:"name"`
	SiteIDs       []string   `json:"site_ids"`
	Category      string     `json:"category"`
	IntervalSecs  int        `json:"interval_seconds"`
	DailyAt       string     `json:"daily_at,omitempty"` // "15:04", overrides interval when set
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	SourceFolder  string     `json:"source_folder"`
	BackupFolders []string   `json:"backup_folders,omitempty"`
	DailyCount    int        `json:"daily_count"` // submissions per site per firing
	Status        string     `json:"status"`      // pending, running, paused, completed, failed
	ExecutedCount int        `json:"executed_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Interval returns the pacing/trigger interval for the task.
func (t *Task) Interval() time.Duration {
	return time.Duration(t.IntervalSecs) * time.Second
}

// CanExecute reports whether a scheduled firing may do work.
func (t *Task) CanExecute() bool {
	return t.Status == TaskStatusRunning
}

// Expired reports whether the task's validity window has elapsed.
func (t *Task) Expired(now time.Time) bool {
	return t.EndTime != nil && now.After(*t.EndTime)
}

// Folders returns the source folder followed by its fallbacks.
func (t *Task) Folders() []string {
	folders := make([]string, 0, len(t.BackupFolders)+1)
	if t.SourceFolder != "" {
		folders = append(folders, t.SourceFolder)
	}
	folders = append(folders, t.BackupFolders...)
	return folders
}

// ExecutionRecord is an immutable audit entry for one submission attempt
type ExecutionRecord struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	WorkItemID    string    `json:"work_item_id"`
	Status        string    `json:"status"` // success, failed
	TargetURL     string    `json:"target_url"`
	Category      string    `json:"category"`
	CategoryLabel string    `json:"category_label,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ResponseData  string    `json:"response_data,omitempty"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// SiteContext is a stored connection profile for one remote CMS target
type SiteContext struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	RootURL    string         `json:"root_url"`
	Suffix     string         `json:"suffix"`
	Username   string         `json:"username"`
	Password   string         `json:"-"`
	Categories []SiteCategory `json:"categories,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SiteCategory is one (value, label) pair discovered by probing the site
type SiteCategory struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// BaseURL joins the root URL and suffix into the site's admin entry point.
// Site identity for serialization purposes is this URL.
func (s *SiteContext) BaseURL() string {
	u, err := url.Parse(s.RootURL)
	if err != nil {
		return s.RootURL + s.Suffix
	}
	ref, err := url.Parse(s.Suffix)
	if err != nil {
		return s.RootURL + s.Suffix
	}
	return u.ResolveReference(ref).String()
}

// ExecutionStats aggregates submission outcomes for an owner
type ExecutionStats struct {
	Total       int     `json:"total_executions"`
	Success     int     `json:"success_executions"`
	Failed      int     `json:"failed_executions"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkItem status constants
const (
	WorkItemUnclaimed = "unclaimed"
	WorkItemClaimed   = "claimed"
	WorkItemExecuted  = "executed"
)

// Task status constants
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Execution outcome constants
const (
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
)
