package database

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/leshun/autopost/backend/models"
)

// SiteRepo handles site context database operations
type SiteRepo struct {
	db *DB
}

// NewSiteRepo creates a new site context repository
func NewSiteRepo(db *DB) *SiteRepo {
	return &SiteRepo{db: db}
}

// Create persists a site context together with its discovered categories
func (r *SiteRepo) Create(site *models.SiteContext) error {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}

	return r.db.conn.Transaction(func(tx *gorm.DB) error {
		model := FromSiteContext(site)
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		for _, cat := range site.Categories {
			row := &SiteCategoryModel{SiteID: site.ID, Value: cat.Value, Label: cat.Label}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		site.CreatedAt = model.CreatedAt
		return nil
	})
}

// GetByID retrieves a site context with its categories
func (r *SiteRepo) GetByID(id string) (*models.SiteContext, error) {
	var model SiteContextModel
	if err := r.db.conn.Where("id = ?", id).First(&model).Error; err != nil {
		return nil, fmt.Errorf("site context not found")
	}

	site := model.ToSiteContext()
	cats, err := r.categories(id)
	if err != nil {
		return nil, err
	}
	site.Categories = cats
	return site, nil
}

// GetByIDs retrieves site contexts preserving the order of ids
func (r *SiteRepo) GetByIDs(ids []string) ([]*models.SiteContext, error) {
	sites := make([]*models.SiteContext, 0, len(ids))
	for _, id := range ids {
		site, err := r.GetByID(id)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// List retrieves all site contexts without categories
func (r *SiteRepo) List() ([]*models.SiteContext, error) {
	var modelList []SiteContextModel
	if err := r.db.conn.Order("created_at").Find(&modelList).Error; err != nil {
		return nil, err
	}

	sites := make([]*models.SiteContext, len(modelList))
	for i, model := range modelList {
		sites[i] = model.ToSiteContext()
	}
	return sites, nil
}

// ReplaceCategories swaps a site's category list for a freshly probed one
func (r *SiteRepo) ReplaceCategories(siteID string, cats []models.SiteCategory) error {
	return r.db.conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SiteCategoryModel{}, "site_id = ?", siteID).Error; err != nil {
			return err
		}
		for _, cat := range cats {
			row := &SiteCategoryModel{SiteID: siteID, Value: cat.Value, Label: cat.Label}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CategoryLabel resolves a category value to its human label for one site
func (r *SiteRepo) CategoryLabel(siteID, value string) (string, error) {
	var model SiteCategoryModel
	err := r.db.conn.Where("site_id = ? AND value = ?", siteID, value).First(&model).Error
	if err != nil {
		return "", err
	}
	return model.Label, nil
}

// Delete deletes a site context and its categories
func (r *SiteRepo) Delete(id string) error {
	return r.db.conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SiteCategoryModel{}, "site_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&SiteContextModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("site context not found")
		}
		return nil
	})
}

func (r *SiteRepo) categories(siteID string) ([]models.SiteCategory, error) {
	var rows []SiteCategoryModel
	if err := r.db.conn.Where("site_id = ?", siteID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	cats := make([]models.SiteCategory, len(rows))
	for i, row := range rows {
		cats[i] = models.SiteCategory{Value: row.Value, Label: row.Label}
	}
	return cats, nil
}
