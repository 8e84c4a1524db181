package database

import (
	"path/filepath"
	"testing"

	"github.com/leshun/autopost/backend/models"
)

func setupTestDB(t *testing.T) *DB {
	dbPath := filepath.Join(t.TempDir(), "test_autopost.db")
	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestWorkItemCRUD(t *testing.T) {
	db := setupTestDB(t)
	repo := NewWorkItemRepo(db)

	item := &models.WorkItem{
		OwnerID:      "user-1",
		Filename:     "abc.txt",
		OriginalName: "my article.txt",
		Path:         "/tmp/abc.txt",
		Size:         120,
		Folder:       "batch-a",
	}

	if err := repo.Create(item); err != nil {
		t.Fatalf("Failed to create work item: %v", err)
	}
	if item.ID == "" {
		t.Error("Work item ID should be set after creation")
	}
	if item.Status != models.WorkItemUnclaimed {
		t.Errorf("Expected status '%s', got '%s'", models.WorkItemUnclaimed, item.Status)
	}

	retrieved, err := repo.GetByID(item.ID)
	if err != nil {
		t.Fatalf("Failed to get work item: %v", err)
	}
	if retrieved.OriginalName != item.OriginalName {
		t.Errorf("Expected original name '%s', got '%s'", item.OriginalName, retrieved.OriginalName)
	}

	items, err := repo.ListByOwner("user-1", "batch-a", "", 10, 0)
	if err != nil {
		t.Fatalf("Failed to list work items: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("Expected 1 work item, got %d", len(items))
	}

	count, err := repo.CountByOwner("user-1", "", models.WorkItemUnclaimed)
	if err != nil {
		t.Fatalf("Failed to count work items: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}

	if err := repo.Delete(item.ID); err != nil {
		t.Fatalf("Failed to delete work item: %v", err)
	}
	if _, err := repo.GetByID(item.ID); err == nil {
		t.Error("Expected error getting deleted work item")
	}
}

func TestSiteCRUD(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSiteRepo(db)

	site := &models.SiteContext{
		Name:     "demo",
		RootURL:  "http://cms.example.com",
		Suffix:   "/e/admin",
		Username: "admin",
		Password: "secret",
		Categories: []models.SiteCategory{
			{Value: "1", Label: "News"},
			{Value: "2", Label: "Tech"},
		},
	}

	if err := repo.Create(site); err != nil {
		t.Fatalf("Failed to create site: %v", err)
	}
	if site.ID == "" {
		t.Error("Site ID should be set after creation")
	}

	retrieved, err := repo.GetByID(site.ID)
	if err != nil {
		t.Fatalf("Failed to get site: %v", err)
	}
	if len(retrieved.Categories) != 2 {
		t.Fatalf("Expected 2 categories, got %d", len(retrieved.Categories))
	}
	if retrieved.Password != "secret" {
		t.Error("Password should round-trip through the store")
	}

	label, err := repo.CategoryLabel(site.ID, "2")
	if err != nil {
		t.Fatalf("Failed to look up category label: %v", err)
	}
	if label != "Tech" {
		t.Errorf("Expected label 'Tech', got '%s'", label)
	}

	if err := repo.ReplaceCategories(site.ID, []models.SiteCategory{{Value: "9", Label: "Misc"}}); err != nil {
		t.Fatalf("Failed to replace categories: %v", err)
	}
	retrieved, err = repo.GetByID(site.ID)
	if err != nil {
		t.Fatalf("Failed to get site after replace: %v", err)
	}
	if len(retrieved.Categories) != 1 || retrieved.Categories[0].Label != "Misc" {
		t.Errorf("Categories not replaced: %+v", retrieved.Categories)
	}

	if err := repo.Delete(site.ID); err != nil {
		t.Fatalf("Failed to delete site: %v", err)
	}
	if _, err := repo.GetByID(site.ID); err == nil {
		t.Error("Expected error getting deleted site")
	}
}

func TestGetByIDsPreservesOrder(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSiteRepo(db)

	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		site := &models.SiteContext{Name: name, RootURL: "http://" + name + ".example.com", Username: "admin"}
		if err := repo.Create(site); err != nil {
			t.Fatalf("Failed to create site: %v", err)
		}
		ids = append(ids, site.ID)
	}

	reversed := []string{ids[2], ids[0]}
	sites, err := repo.GetByIDs(reversed)
	if err != nil {
		t.Fatalf("Failed to get sites by IDs: %v", err)
	}
	if len(sites) != 2 {
		t.Fatalf("Expected 2 sites, got %d", len(sites))
	}
	if sites[0].Name != "third" || sites[1].Name != "first" {
		t.Errorf("Order not preserved: got %s, %s", sites[0].Name, sites[1].Name)
	}
}
