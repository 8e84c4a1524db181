// Package scheduler registers cron triggers for tasks and drives firings
// through the execution engine.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/leshun/autopost/backend/database"
	"github.com/leshun/autopost/backend/models"
)

// Runner executes one firing's worth of claimed work items
type Runner interface {
	Run(ctx context.Context, task *models.Task, files []*models.WorkItem, sites []*models.SiteContext) error
}

// EntryStatus describes one registered trigger, for monitoring
type EntryStatus struct {
	TaskID  string    `json:"task_id"`
	NextRun time.Time `json:"next_run"`
}

// Scheduler owns the process-wide trigger registry. Trigger registrations
// live only in memory; RecoverOnStartup rebuilds them from task state.
type Scheduler struct {
	tasks   *database.TaskRepo
	items   *database.WorkItemRepo
	sites   *database.SiteRepo
	records *database.ExecutionRepo
	runner  Runner

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID

	slots chan struct{} // bounds concurrent firings across all tasks
	wg    sync.WaitGroup
	log   zerolog.Logger
}

// Options tunes the scheduler and the claim retry policy of its work
// item store.
type Options struct {
	MaxFirings    int
	ClaimAttempts int
	ClaimBackoff  time.Duration
}

// New creates a scheduler
func New(db *database.DB, runner Runner, log zerolog.Logger, opts Options) *Scheduler {
	if opts.MaxFirings <= 0 {
		opts.MaxFirings = 10
	}
	items := database.NewWorkItemRepo(db)
	items.SetClaimPolicy(opts.ClaimAttempts, opts.ClaimBackoff)
	return &Scheduler{
		tasks:   database.NewTaskRepo(db),
		items:   items,
		sites:   database.NewSiteRepo(db),
		records: database.NewExecutionRepo(db),
		runner:  runner,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		slots:   make(chan struct{}, opts.MaxFirings),
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the trigger loop
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("max_firings", cap(s.slots)).Msg("scheduler started")
}

// Stop stops triggering and waits for in-flight firings to finish.
// In-flight firings run to completion; only future triggers are dropped.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// Schedule registers (or replaces) the trigger for a task
func (s *Scheduler) Schedule(task *models.Task) error {
	sched, err := triggerFor(task)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[task.ID]; ok {
		s.cron.Remove(id)
	}

	taskID := task.ID
	s.entries[taskID] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.Fire(taskID)
	}))

	s.log.Info().Str("task_id", taskID).Str("name", task.Name).Msg("task scheduled")
	return nil
}

// Unschedule removes a task's trigger if present
func (s *Scheduler) Unschedule(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[taskID]; ok {
		s.cron.Remove(id)
		delete(s.entries, taskID)
		s.log.Info().Str("task_id", taskID).Msg("task unscheduled")
	}
}

// Fire runs one firing for a task, bounded by the firing semaphore.
// Invoked by the cron loop and by manual triggers.
func (s *Scheduler) Fire(taskID string) {
	s.slots <- struct{}{}
	s.wg.Add(1)
	defer func() {
		<-s.slots
		s.wg.Done()
	}()

	log := s.log.With().Str("task_id", taskID).Logger()

	task, err := s.tasks.GetByID(taskID)
	if err != nil {
		log.Warn().Err(err).Msg("task gone, removing trigger")
		s.Unschedule(taskID)
		return
	}

	if task.Expired(time.Now()) {
		log.Info().Msg("validity window elapsed, completing task")
		if err := s.tasks.Complete(taskID); err != nil {
			log.Error().Err(err).Msg("failed to complete expired task")
		}
		s.Unschedule(taskID)
		return
	}

	if time.Now().Before(task.StartTime) {
		// Window not open yet; keep the trigger and try again next firing.
		log.Info().Time("opens_at", task.StartTime).Msg("validity window not open, skipping firing")
		return
	}

	// The task may have been paused or stopped between scheduling and now.
	if !task.CanExecute() {
		log.Info().Str("status", task.Status).Msg("task not executable, removing trigger")
		s.Unschedule(taskID)
		return
	}

	sites, err := s.sites.GetByIDs(task.SiteIDs)
	if err != nil {
		log.Error().Err(err).Msg("target site lookup failed, failing task")
		s.failTask(taskID)
		return
	}
	if len(sites) == 0 {
		log.Error().Msg("task has no target sites, failing task")
		s.failTask(taskID)
		return
	}

	// Successes recorded since midnight count against each site's daily
	// quota; sites already at quota sit out this firing.
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	eligible := make([]*models.SiteContext, 0, len(sites))
	want := 0
	for _, site := range sites {
		done, err := s.records.CountForSiteSince(task.ID, site.BaseURL(), midnight)
		if err != nil {
			log.Error().Err(err).Msg("quota lookup failed, failing task")
			s.failTask(taskID)
			return
		}
		if remaining := task.DailyCount - done; remaining > 0 {
			eligible = append(eligible, site)
			want += remaining
		} else {
			log.Info().Str("site", site.BaseURL()).Msg("daily quota reached, skipping site")
		}
	}
	if len(eligible) == 0 {
		log.Info().Msg("daily quota reached for every site, skipping firing")
		return
	}

	files, err := s.items.ClaimBatch(task.OwnerID, task.Folders(), want)
	if err != nil {
		log.Error().Err(err).Msg("claim batch failed, failing task")
		s.failTask(taskID)
		return
	}

	if len(files) == 0 {
		log.Info().Msg("no claimable work left, pausing task")
		s.pauseTask(taskID)
		return
	}

	if err := s.runner.Run(context.Background(), task, files, eligible); err != nil {
		log.Error().Err(err).Msg("firing failed, failing task")
		s.failTask(taskID)
		return
	}

	if len(files) < want {
		// Under-fill means the folder set ran dry mid-batch; the partial
		// batch still ran, future firings would find nothing.
		log.Info().Int("claimed", len(files)).Int("wanted", want).Msg("work queue exhausted, pausing task")
		s.pauseTask(taskID)
	}
}

// RecoverOnStartup re-registers triggers for running tasks after a process
// restart and completes any whose validity window already elapsed.
func (s *Scheduler) RecoverOnStartup() error {
	running, err := s.tasks.ListRunning()
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}

	now := time.Now()
	for _, task := range running {
		if task.Expired(now) {
			s.log.Info().Str("task_id", task.ID).Msg("task expired while down, completing")
			if err := s.tasks.Complete(task.ID); err != nil {
				s.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to complete expired task")
			}
			continue
		}
		if err := s.Schedule(task); err != nil {
			s.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to re-register trigger")
		}
	}

	s.log.Info().Int("recovered", len(running)).Msg("startup recovery finished")
	return nil
}

// Status reports the registered triggers and their next run times
func (s *Scheduler) Status() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryStatus, 0, len(s.entries))
	for taskID, id := range s.entries {
		out = append(out, EntryStatus{TaskID: taskID, NextRun: s.cron.Entry(id).Next})
	}
	return out
}

func (s *Scheduler) failTask(taskID string) {
	if err := s.tasks.Fail(taskID); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("failed to mark task failed")
	}
	s.Unschedule(taskID)
}

func (s *Scheduler) pauseTask(taskID string) {
	if err := s.tasks.Pause(taskID); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("failed to pause task")
	}
	s.Unschedule(taskID)
}

// triggerFor builds the cron schedule for a task: a daily wall-clock
// trigger when DailyAt is set, otherwise a fixed interval.
func triggerFor(task *models.Task) (cron.Schedule, error) {
	if task.DailyAt != "" {
		at, err := time.Parse("15:04", task.DailyAt)
		if err != nil {
			return nil, fmt.Errorf("invalid daily time %q: %w", task.DailyAt, err)
		}
		return cron.ParseStandard(fmt.Sprintf("%d %d * * *", at.Minute(), at.Hour()))
	}
	if task.IntervalSecs <= 0 {
		return nil, fmt.Errorf("task %s has no interval and no daily time", task.ID)
	}
	return cron.Every(task.Interval()), nil
}
