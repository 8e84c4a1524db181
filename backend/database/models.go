package database

import (
	"strings"
	"time"

	"github.com/leshun/autopost/backend/models"
)

// WorkItemModel is the work_items table row
type WorkItemModel struct {
	ID           string `gorm:"primaryKey;size:36"`
	OwnerID      string `gorm:"size:36;not null;index:idx_owner_claim,priority:1"`
	Filename     string `gorm:"size:255;not null"`
	OriginalName string `gorm:"size:255;not null"`
	Path         string `gorm:"size:1024;not null"`
	Size         int64  `gorm:"not null"`
	Folder       string `gorm:"size:200;index:idx_owner_claim,priority:3"`
	Status       string `gorm:"size:20;not null;default:unclaimed;index:idx_owner_claim,priority:2"`
	ExecutedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (WorkItemModel) TableName() string { return "work_items" }

// TaskModel is the tasks table row
type TaskModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	OwnerID       string `gorm:"size:36;not null;index"`
	Name          string `gorm:"size:200;not null"`
	SiteIDs       string `gorm:"size:2000;not null"` // comma-joined, order preserved
	Category      string `gorm:"size:50"`
	IntervalSecs  int    `gorm:"not null"`
	DailyAt       string `gorm:"size:5"`
	StartTime     time.Time
	EndTime       *time.Time
	SourceFolder  string `gorm:"size:200"`
	BackupFolders string `gorm:"size:2000"`
	DailyCount    int    `gorm:"default:1"`
	Status        string `gorm:"size:20;not null;default:pending;index"`
	ExecutedCount int    `gorm:"default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (TaskModel) TableName() string { return "tasks" }

// ExecutionRecordModel is the execution_records table row
type ExecutionRecordModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	TaskID        string `gorm:"size:36;not null;index"`
	WorkItemID    string `gorm:"size:36;not null;index"`
	Status        string `gorm:"size:20;not null"`
	TargetURL     string `gorm:"size:1024"`
	Category      string `gorm:"size:50"`
	CategoryLabel string `gorm:"size:200"`
	ErrorMessage  string `gorm:"type:text"`
	ResponseData  string `gorm:"type:text"`
	ExecutedAt    time.Time `gorm:"index"`
}

func (ExecutionRecordModel) TableName() string { return "execution_records" }

// SiteContextModel is the site_contexts table row
type SiteContextModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:100"`
	RootURL   string `gorm:"size:255;not null;index"`
	Suffix    string `gorm:"size:255;not null"`
	Username  string `gorm:"size:80;not null"`
	Password  string `gorm:"size:128;not null"`
	CreatedAt time.Time
}

func (SiteContextModel) TableName() string { return "site_contexts" }

// SiteCategoryModel is the site_categories table row
type SiteCategoryModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SiteID    string `gorm:"size:36;not null;index"`
	Value     string `gorm:"size:50;not null"`
	Label     string `gorm:"size:200;not null"`
	CreatedAt time.Time
}

func (SiteCategoryModel) TableName() string { return "site_categories" }

// ToWorkItem converts WorkItemModel to models.WorkItem
func (m *WorkItemModel) ToWorkItem() *models.WorkItem {
	return &models.WorkItem{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Filename:     m.Filename,
		OriginalName: m.OriginalName,
		Path:         m.Path,
		Size:         m.Size,
		Folder:       m.Folder,
		Status:       m.Status,
		ExecutedAt:   m.ExecutedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// FromWorkItem converts models.WorkItem to WorkItemModel
func FromWorkItem(w *models.WorkItem) *WorkItemModel {
	return &WorkItemModel{
		ID:           w.ID,
		OwnerID:      w.OwnerID,
		Filename:     w.Filename,
		OriginalName: w.OriginalName,
		Path:         w.Path,
		Size:         w.Size,
		Folder:       w.Folder,
		Status:       w.Status,
		ExecutedAt:   w.ExecutedAt,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
}

// ToTask converts TaskModel to models.Task
func (m *TaskModel) ToTask() *models.Task {
	return &models.Task{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Name:          m.Name,
		SiteIDs:       splitList(m.SiteIDs),
		Category:      m.Category,
		IntervalSecs:  m.IntervalSecs,
		DailyAt:       m.DailyAt,
		StartTime:     m.StartTime,
		EndTime:       m.EndTime,
		SourceFolder:  m.SourceFolder,
		BackupFolders: splitList(m.BackupFolders),
		DailyCount:    m.DailyCount,
		Status:        m.Status,
		ExecutedCount: m.ExecutedCount,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// FromTask converts models.Task to TaskModel
func FromTask(t *models.Task) *TaskModel {
	return &TaskModel{
		ID:            t.ID,
		OwnerID:       t.OwnerID,
		Name:          t.Name,
		SiteIDs:       joinList(t.SiteIDs),
		Category:      t.Category,
		IntervalSecs:  t.IntervalSecs,
		DailyAt:       t.DailyAt,
		StartTime:     t.StartTime,
		EndTime:       t.EndTime,
		SourceFolder:  t.SourceFolder,
		BackupFolders: joinList(t.BackupFolders),
		DailyCount:    t.DailyCount,
		Status:        t.Status,
		ExecutedCount: t.ExecutedCount,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// ToExecutionRecord converts ExecutionRecordModel to models.ExecutionRecord
func (m *ExecutionRecordModel) ToExecutionRecord() *models.ExecutionRecord {
	return &models.ExecutionRecord{
		ID:            m.ID,
		TaskID:        m.TaskID,
		WorkItemID:    m.WorkItemID,
		Status:        m.Status,
		TargetURL:     m.TargetURL,
		Category:      m.Category,
		CategoryLabel: m.CategoryLabel,
		ErrorMessage:  m.ErrorMessage,
		ResponseData:  m.ResponseData,
		ExecutedAt:    m.ExecutedAt,
	}
}

// FromExecutionRecord converts models.ExecutionRecord to ExecutionRecordModel
func FromExecutionRecord(r *models.ExecutionRecord) *ExecutionRecordModel {
	return &ExecutionRecordModel{
		ID:            r.ID,
		TaskID:        r.TaskID,
		WorkItemID:    r.WorkItemID,
		Status:        r.Status,
		TargetURL:     r.TargetURL,
		Category:      r.Category,
		CategoryLabel: r.CategoryLabel,
		ErrorMessage:  r.ErrorMessage,
		ResponseData:  r.ResponseData,
		ExecutedAt:    r.ExecutedAt,
	}
}

// ToSiteContext converts SiteContextModel to models.SiteContext
func (m *SiteContextModel) ToSiteContext() *models.SiteContext {
	return &models.SiteContext{
		ID:        m.ID,
		Name:      m.Name,
		RootURL:   m.RootURL,
		Suffix:    m.Suffix,
		Username:  m.Username,
		Password:  m.Password,
		CreatedAt: m.CreatedAt,
	}
}

// FromSiteContext converts models.SiteContext to SiteContextModel
func FromSiteContext(s *models.SiteContext) *SiteContextModel {
	return &SiteContextModel{
		ID:        s.ID,
		Name:      s.Name,
		RootURL:   s.RootURL,
		Suffix:    s.Suffix,
		Username:  s.Username,
		Password:  s.Password,
		CreatedAt: s.CreatedAt,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinList(list []string) string {
	return strings.Join(list, ",")
}
