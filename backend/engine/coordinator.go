// Package engine runs one task firing: it fans a batch of claimed work
// items out across the task's target sites and records every outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/leshun/autopost/backend/cms"
	"github.com/leshun/autopost/backend/database"
	"github.com/leshun/autopost/backend/models"
	"github.com/leshun/autopost/backend/sitelock"
)

// Event is a progress notification emitted after each submission attempt
type Event struct {
	TaskID        string    `json:"task_id"`
	FileName      string    `json:"file_name"`
	CategoryLabel string    `json:"category_label,omitempty"`
	Executed      int       `json:"executed"`
	Failed        int       `json:"failed"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

// Notifier receives progress events. Implementations must not block;
// delivery is fire-and-forget.
type Notifier interface {
	Notify(Event)
}

// Options configures a Coordinator
type Options struct {
	ArchiveFolder  string
	RequestTimeout time.Duration
	Notifier       Notifier
}

// Coordinator partitions claimed work items across target sites and runs
// one submission pipeline per site concurrently.
type Coordinator struct {
	items          *database.WorkItemRepo
	tasks          *database.TaskRepo
	execs          *database.ExecutionRepo
	sites          *database.SiteRepo
	gate           *sitelock.Registry
	adapter        cms.Adapter
	archiveFolder  string
	requestTimeout time.Duration
	notifier       Notifier
	log            zerolog.Logger
}

// New creates a coordinator
func New(db *database.DB, gate *sitelock.Registry, adapter cms.Adapter, log zerolog.Logger, opts Options) *Coordinator {
	if opts.ArchiveFolder == "" {
		opts.ArchiveFolder = "executed"
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Coordinator{
		items:          database.NewWorkItemRepo(db),
		tasks:          database.NewTaskRepo(db),
		execs:          database.NewExecutionRepo(db),
		sites:          database.NewSiteRepo(db),
		gate:           gate,
		adapter:        adapter,
		archiveFolder:  opts.ArchiveFolder,
		requestTimeout: opts.RequestTimeout,
		notifier:       opts.Notifier,
		log:            log.With().Str("component", "engine").Logger(),
	}
}

// Run splits files into contiguous equal groups, one per site, and blocks
// until every per-site pipeline has finished. Trailing remainder files that
// do not fill a full group are not assigned to any site this round.
//
// A returned error means the store itself failed mid-run; submission and
// session failures are recorded per file and do not surface here.
func (c *Coordinator) Run(ctx context.Context, task *models.Task, files []*models.WorkItem, sites []*models.SiteContext) error {
	if len(files) == 0 || len(sites) == 0 {
		return nil
	}

	groupSize := len(files) / len(sites)
	if dropped := len(files) % len(sites); dropped > 0 {
		c.log.Warn().
			Str("task_id", task.ID).
			Int("dropped", dropped).
			Msg("uneven split, trailing files not assigned this round")
	}

	var g errgroup.Group
	for i, site := range sites {
		group := files[i*groupSize : (i+1)*groupSize]
		if len(group) == 0 {
			continue
		}
		site := site
		g.Go(func() error {
			var err error
			c.gate.With(site.BaseURL(), func() {
				err = c.runSite(ctx, task, site, group)
			})
			return err
		})
	}
	return g.Wait()
}

// runSite submits one file group to one site under its serialization lock
func (c *Coordinator) runSite(ctx context.Context, task *models.Task, site *models.SiteContext, group []*models.WorkItem) error {
	log := c.log.With().Str("task_id", task.ID).Str("site", site.BaseURL()).Logger()

	cfg := cms.SiteConfig{
		BaseURL:  site.BaseURL(),
		Username: site.Username,
		Password: site.Password,
		Timeout:  c.requestTimeout,
	}

	session, err := c.adapter.OpenSession(ctx, cfg)
	if err != nil {
		// Session establishment failed: the whole group is abandoned for
		// this firing with no file-level records. Items stay claimed.
		log.Error().Err(err).Int("group", len(group)).Msg("failed to open site session")
		return nil
	}

	executed, failed := 0, 0
	for i, item := range group {
		if i > 0 {
			// pacing between successive submissions to the same site
			select {
			case <-time.After(task.Interval()):
			case <-ctx.Done():
				log.Warn().Msg("firing cancelled mid-group")
				return nil
			}
		}

		abort, err := c.submitOne(ctx, task, site, session, item, &executed, &failed)
		if err != nil {
			return err
		}
		if abort {
			log.Warn().Int("remaining", len(group)-i-1).Msg("aborting remainder of site group")
			return nil
		}
	}

	log.Info().Int("executed", executed).Int("failed", failed).Msg("site group finished")
	return nil
}

// submitOne submits a single work item. The returned bool asks the caller
// to abandon the rest of the site's group. The returned error is reserved
// for store failures.
func (c *Coordinator) submitOne(ctx context.Context, task *models.Task, site *models.SiteContext, session cms.Session, item *models.WorkItem, executed, failed *int) (bool, error) {
	log := c.log.With().Str("task_id", task.ID).Str("work_item", item.ID).Logger()

	// Re-fetch so a concurrent rename or delete is observed before reading.
	fresh, err := c.items.GetByID(item.ID)
	if err != nil {
		*failed++
		return false, c.recordFailure(task, site, item, fmt.Sprintf("work item vanished: %v", err))
	}

	content, err := os.ReadFile(fresh.Path)
	if err != nil {
		*failed++
		return false, c.recordFailure(task, site, fresh, fmt.Sprintf("read file: %v", err))
	}

	title := trimExt(fresh.OriginalName)
	response, err := session.Submit(ctx, task.Category, title, string(content))
	if err != nil {
		*failed++
		if recErr := c.recordFailure(task, site, fresh, err.Error()); recErr != nil {
			return false, recErr
		}
		c.notify(task, fresh, site, *executed, *failed, err.Error())

		// A broken session or page structure dooms every remaining file
		// in the group; plain network errors only cost this file.
		var authErr *cms.AuthError
		var protoErr *cms.ProtocolError
		if errors.As(err, &authErr) || errors.As(err, &protoErr) {
			return true, nil
		}
		log.Error().Err(err).Msg("submission failed")
		return false, nil
	}

	newPath, err := c.archive(fresh)
	if err != nil {
		return false, fmt.Errorf("archive %s: %w", fresh.ID, err)
	}
	if err := c.items.MarkExecuted(fresh.ID, newPath); err != nil {
		return false, fmt.Errorf("mark executed %s: %w", fresh.ID, err)
	}
	if err := c.tasks.IncrementExecuted(task.ID); err != nil {
		return false, err
	}

	label, _ := c.sites.CategoryLabel(site.ID, task.Category)
	record := &models.ExecutionRecord{
		TaskID:        task.ID,
		WorkItemID:    fresh.ID,
		Status:        models.ExecutionSuccess,
		TargetURL:     site.BaseURL(),
		Category:      task.Category,
		CategoryLabel: label,
		ResponseData:  response,
	}
	if err := c.execs.Append(record); err != nil {
		return false, err
	}

	*executed++
	c.notify(task, fresh, site, *executed, *failed, "")
	log.Info().Str("file", fresh.OriginalName).Msg("submitted")
	return false, nil
}

// recordFailure appends a failed execution record; the work item keeps its
// claimed state for later reconciliation.
func (c *Coordinator) recordFailure(task *models.Task, site *models.SiteContext, item *models.WorkItem, detail string) error {
	label, _ := c.sites.CategoryLabel(site.ID, task.Category)
	return c.execs.Append(&models.ExecutionRecord{
		TaskID:        task.ID,
		WorkItemID:    item.ID,
		Status:        models.ExecutionFailed,
		TargetURL:     site.BaseURL(),
		Category:      task.Category,
		CategoryLabel: label,
		ErrorMessage:  detail,
	})
}

// archive moves a submitted file into the archival folder next to it
func (c *Coordinator) archive(item *models.WorkItem) (string, error) {
	dir := filepath.Join(filepath.Dir(item.Path), c.archiveFolder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	newPath := filepath.Join(dir, item.Filename)
	if err := os.Rename(item.Path, newPath); err != nil {
		return "", err
	}
	return newPath, nil
}

func (c *Coordinator) notify(task *models.Task, item *models.WorkItem, site *models.SiteContext, executed, failed int, errMsg string) {
	if c.notifier == nil {
		return
	}
	label, _ := c.sites.CategoryLabel(site.ID, task.Category)
	c.notifier.Notify(Event{
		TaskID:        task.ID,
		FileName:      item.OriginalName,
		CategoryLabel: label,
		Executed:      executed,
		Failed:        failed,
		Error:         errMsg,
		Time:          time.Now(),
	})
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
