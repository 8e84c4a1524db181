package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leshun/autopost/backend/cms"
	"github.com/leshun/autopost/backend/database"
	"github.com/leshun/autopost/backend/models"
	"github.com/leshun/autopost/backend/sitelock"
)

// fakeAdapter records submissions per site and can be told to fail
// session opens or individual submits.
type fakeAdapter struct {
	mu          sync.Mutex
	submissions map[string][]string // site base URL -> titles
	failOpen    map[string]bool
	submitErr   map[string]error // title -> error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		submissions: make(map[string][]string),
		failOpen:    make(map[string]bool),
		submitErr:   make(map[string]error),
	}
}

func (a *fakeAdapter) OpenSession(ctx context.Context, cfg cms.SiteConfig) (cms.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failOpen[cfg.BaseURL] {
		return nil, &cms.AuthError{Site: cfg.BaseURL, Reason: "login rejected"}
	}
	return &fakeSession{adapter: a, site: cfg.BaseURL}, nil
}

func (a *fakeAdapter) ListCategories(ctx context.Context, cfg cms.SiteConfig) ([]cms.Category, error) {
	return []cms.Category{{Value: "1", Label: "News"}}, nil
}

func (a *fakeAdapter) titlesFor(site string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.submissions[site]...)
}

type fakeSession struct {
	adapter *fakeAdapter
	site    string
}

func (s *fakeSession) Submit(ctx context.Context, category, title, body string) (string, error) {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	if err, ok := s.adapter.submitErr[title]; ok {
		return "", err
	}
	s.adapter.submissions[s.site] = append(s.adapter.submissions[s.site], title)
	return "ok", nil
}

type fixture struct {
	db      *database.DB
	items   *database.WorkItemRepo
	tasks   *database.TaskRepo
	execs   *database.ExecutionRepo
	sites   *database.SiteRepo
	adapter *fakeAdapter
	coord   *Coordinator
	dir     string
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "engine_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := newFakeAdapter()
	coord := New(db, sitelock.NewRegistry(), adapter, zerolog.Nop(), Options{
		ArchiveFolder: "executed",
	})

	return &fixture{
		db:      db,
		items:   database.NewWorkItemRepo(db),
		tasks:   database.NewTaskRepo(db),
		execs:   database.NewExecutionRepo(db),
		sites:   database.NewSiteRepo(db),
		adapter: adapter,
		coord:   coord,
		dir:     dir,
	}
}

func (f *fixture) addSite(t *testing.T, name string) *models.SiteContext {
	site := &models.SiteContext{
		Name:     name,
		RootURL:  "http://" + name + ".example.com",
		Suffix:   "/e/admin",
		Username: "admin",
		Password: "secret",
		Categories: []models.SiteCategory{
			{Value: "1", Label: "News"},
		},
	}
	require.NoError(t, f.sites.Create(site))
	return site
}

func (f *fixture) addTask(t *testing.T, siteIDs []string) *models.Task {
	task := &models.Task{
		OwnerID:      "user-1",
		Name:         "run",
		SiteIDs:      siteIDs,
		Category:     "1",
		SourceFolder: "batch",
		DailyCount:   5,
	}
	require.NoError(t, f.tasks.Create(task))
	require.NoError(t, f.tasks.Start(task.ID))
	task.Status = models.TaskStatusRunning
	return task
}

// addClaimedFiles seeds work items in claimed state, each backed by a real
// file on disk, the way a firing hands them to the coordinator.
func (f *fixture) addClaimedFiles(t *testing.T, n int) []*models.WorkItem {
	items := make([]*models.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("article-%02d.txt", i)
		path := filepath.Join(f.dir, name)
		require.NoError(t, os.WriteFile(path, []byte("body of "+name), 0644))

		item := &models.WorkItem{
			OwnerID:      "user-1",
			Filename:     name,
			OriginalName: name,
			Path:         path,
			Folder:       "batch",
			Status:       models.WorkItemClaimed,
		}
		require.NoError(t, f.items.Create(item))
		items = append(items, item)
	}
	return items
}

func (f *fixture) statuses(t *testing.T, items []*models.WorkItem) map[string]int {
	out := make(map[string]int)
	for _, item := range items {
		got, err := f.items.GetByID(item.ID)
		require.NoError(t, err)
		out[got.Status]++
	}
	return out
}

func TestRunEvenSplit(t *testing.T) {
	f := newFixture(t)
	siteA := f.addSite(t, "site-a")
	siteB := f.addSite(t, "site-b")
	task := f.addTask(t, []string{siteA.ID, siteB.ID})
	items := f.addClaimedFiles(t, 4)

	err := f.coord.Run(context.Background(), task, items,
		[]*models.SiteContext{siteA, siteB})
	require.NoError(t, err)

	// Each site receives a contiguous half.
	assert.Equal(t, []string{"article-00", "article-01"}, f.adapter.titlesFor(siteA.BaseURL()))
	assert.Equal(t, []string{"article-02", "article-03"}, f.adapter.titlesFor(siteB.BaseURL()))

	assert.Equal(t, map[string]int{models.WorkItemExecuted: 4}, f.statuses(t, items))

	records, err := f.execs.HistoryByTask(task.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 4)
	for _, rec := range records {
		assert.Equal(t, models.ExecutionSuccess, rec.Status)
		assert.Equal(t, "News", rec.CategoryLabel)
	}

	// Submitted files move into the archive folder next to the source.
	for _, item := range items {
		got, err := f.items.GetByID(item.ID)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(f.dir, "executed", item.Filename), got.Path)
		_, statErr := os.Stat(got.Path)
		assert.NoError(t, statErr)
	}

	updated, err := f.tasks.GetByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.ExecutedCount)
}

func TestRunUnevenSplitDropsRemainder(t *testing.T) {
	f := newFixture(t)
	siteA := f.addSite(t, "site-a")
	siteB := f.addSite(t, "site-b")
	task := f.addTask(t, []string{siteA.ID, siteB.ID})
	items := f.addClaimedFiles(t, 5)

	err := f.coord.Run(context.Background(), task, items,
		[]*models.SiteContext{siteA, siteB})
	require.NoError(t, err)

	// 5 files across 2 sites: groups of 2, the trailing file is skipped and
	// keeps its claim.
	assert.Len(t, f.adapter.titlesFor(siteA.BaseURL()), 2)
	assert.Len(t, f.adapter.titlesFor(siteB.BaseURL()), 2)
	assert.Equal(t, map[string]int{
		models.WorkItemExecuted: 4,
		models.WorkItemClaimed:  1,
	}, f.statuses(t, items))
}

func TestRunSessionFailureAbandonsGroup(t *testing.T) {
	f := newFixture(t)
	siteA := f.addSite(t, "site-a")
	siteB := f.addSite(t, "site-b")
	task := f.addTask(t, []string{siteA.ID, siteB.ID})
	items := f.addClaimedFiles(t, 4)

	f.adapter.failOpen[siteA.BaseURL()] = true

	err := f.coord.Run(context.Background(), task, items,
		[]*models.SiteContext{siteA, siteB})
	require.NoError(t, err)

	// Site A's group is abandoned without records; site B is unaffected.
	assert.Empty(t, f.adapter.titlesFor(siteA.BaseURL()))
	assert.Len(t, f.adapter.titlesFor(siteB.BaseURL()), 2)
	assert.Equal(t, map[string]int{
		models.WorkItemExecuted: 2,
		models.WorkItemClaimed:  2,
	}, f.statuses(t, items))

	records, err := f.execs.HistoryByTask(task.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRunProtocolErrorAbortsSiteGroup(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, "site-a")
	task := f.addTask(t, []string{site.ID})
	items := f.addClaimedFiles(t, 3)

	f.adapter.submitErr["article-00"] = &cms.ProtocolError{Site: site.BaseURL(), Reason: "form layout changed"}

	err := f.coord.Run(context.Background(), task, items,
		[]*models.SiteContext{site})
	require.NoError(t, err)

	// First file fails with a page-structure error; the remaining group is
	// abandoned and stays claimed.
	assert.Empty(t, f.adapter.titlesFor(site.BaseURL()))
	assert.Equal(t, map[string]int{models.WorkItemClaimed: 3}, f.statuses(t, items))

	records, err := f.execs.HistoryByTask(task.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ExecutionFailed, records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "form layout changed")
}

func TestRunTransientErrorContinuesGroup(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, "site-a")
	task := f.addTask(t, []string{site.ID})
	items := f.addClaimedFiles(t, 3)

	f.adapter.submitErr["article-01"] = fmt.Errorf("connection reset")

	err := f.coord.Run(context.Background(), task, items,
		[]*models.SiteContext{site})
	require.NoError(t, err)

	// The middle file fails but the rest of the group still goes through.
	assert.Equal(t, []string{"article-00", "article-02"}, f.adapter.titlesFor(site.BaseURL()))
	assert.Equal(t, map[string]int{
		models.WorkItemExecuted: 2,
		models.WorkItemClaimed:  1,
	}, f.statuses(t, items))
}

func TestRunNotifierReceivesEvents(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, "site-a")
	task := f.addTask(t, []string{site.ID})
	items := f.addClaimedFiles(t, 2)

	var mu sync.Mutex
	var events []Event
	f.coord.notifier = notifierFunc(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	err := f.coord.Run(context.Background(), task, items,
		[]*models.SiteContext{site})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, task.ID, events[0].TaskID)
	assert.Equal(t, 2, events[1].Executed)
	assert.Zero(t, events[1].Failed)
}

type notifierFunc func(Event)

func (f notifierFunc) Notify(ev Event) { f(ev) }
