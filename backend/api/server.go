package api

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leshun/autopost/backend/cms"
	"github.com/leshun/autopost/backend/database"
	"github.com/leshun/autopost/backend/models"
	"github.com/leshun/autopost/backend/scheduler"
)

// TaskScheduler is the slice of the scheduler the API needs
type TaskScheduler interface {
	Schedule(task *models.Task) error
	Unschedule(taskID string)
	Status() []scheduler.EntryStatus
}

// Options carries server configuration
type Options struct {
	UploadDir      string
	LogDir         string
	RequestTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	app       *fiber.App
	db        *database.DB
	scheduler TaskScheduler
	adapter   cms.Adapter
	wsHub     *WebSocketHub
	opts      Options
	log       zerolog.Logger
}

// New creates a new API server
func New(db *database.DB, sched TaskScheduler, adapter cms.Adapter, hub *WebSocketHub, opts Options, log zerolog.Logger) *Server {
	engine := html.New("./frontend/templates", ".html")

	app := fiber.New(fiber.Config{
		Views:        engine,
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())

	// Access logs go to file only; the console stays for application logs.
	accessLogPath := filepath.Join(opts.LogDir, "access.log")
	accessLogFile, err := os.OpenFile(accessLogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open access log file")
		app.Use(logger.New(logger.Config{
			Output: io.Discard,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Output: accessLogFile,
		}))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, X-Owner-ID",
	}))

	server := &Server{
		app:       app,
		db:        db,
		scheduler: sched,
		adapter:   adapter,
		wsHub:     hub,
		opts:      opts,
		log:       log.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	s.app.Get("/", s.renderIndex)
	s.app.Static("/static", "./frontend/static")
	s.app.Get("/ws", s.HandleWebSocket)

	api := s.app.Group("/api")

	// Files
	api.Post("/files/upload", s.uploadFiles)
	api.Get("/files", s.listFiles)
	api.Delete("/files/:id", s.deleteFile)
	api.Post("/files/:id/release", s.releaseFile)

	// Tasks
	api.Get("/tasks", s.listTasks)
	api.Post("/tasks", s.createTask)
	api.Get("/tasks/:id", s.getTask)
	api.Post("/tasks/:id/start", s.startTask)
	api.Post("/tasks/:id/pause", s.pauseTask)
	api.Delete("/tasks/:id", s.deleteTask)
	api.Get("/tasks/:id/history", s.taskHistory)

	// Sites
	api.Get("/sites", s.listSites)
	api.Post("/sites", s.createSite)
	api.Post("/sites/probe", s.probeSite)
	api.Get("/sites/:id", s.getSite)
	api.Post("/sites/:id/probe", s.refreshSiteCategories)
	api.Delete("/sites/:id", s.deleteSite)

	// Scheduler/Monitoring
	api.Get("/scheduler/status", s.schedulerStatus)
	api.Get("/stats", s.getStats)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// Error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Success response
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorHandler handles fiber errors
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

// ownerID resolves the acting user from the request. Multi-tenant
// authentication lives in front of this service.
func ownerID(c *fiber.Ctx) string {
	if owner := c.Get("X-Owner-ID"); owner != "" {
		return owner
	}
	return c.Query("owner", "default")
}

// ============== Page Rendering ==============

func (s *Server) renderIndex(c *fiber.Ctx) error {
	return c.Render("index", fiber.Map{
		"Title": "AutoPost - Scheduled Article Submission",
	})
}

// ============== File Handlers ==============

func (s *Server) uploadFiles(c *fiber.Ctx) error {
	owner := ownerID(c)
	folder := c.FormValue("folder", "default")

	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid multipart form"})
	}

	files := form.File["files"]
	if len(files) == 0 {
		return c.Status(400).JSON(ErrorResponse{Error: "No files in request"})
	}

	dir := filepath.Join(s.opts.UploadDir, owner, folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	repo := database.NewWorkItemRepo(s.db)
	saved := make([]*models.WorkItem, 0, len(files))
	for _, fh := range files {
		if !strings.EqualFold(filepath.Ext(fh.Filename), ".txt") {
			return c.Status(400).JSON(ErrorResponse{Error: fmt.Sprintf("Only .txt files are accepted: %s", fh.Filename)})
		}

		stored := uuid.New().String() + ".txt"
		path := filepath.Join(dir, stored)
		if err := c.SaveFile(fh, path); err != nil {
			return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
		}

		item := &models.WorkItem{
			OwnerID:      owner,
			Filename:     stored,
			OriginalName: fh.Filename,
			Path:         path,
			Size:         fh.Size,
			Folder:       folder,
			Status:       models.WorkItemUnclaimed,
		}
		if err := repo.Create(item); err != nil {
			return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
		}
		saved = append(saved, item)
	}

	s.log.Info().Str("owner", owner).Str("folder", folder).Int("count", len(saved)).Msg("files uploaded")
	return c.Status(201).JSON(SuccessResponse{
		Message: fmt.Sprintf("%d files uploaded", len(saved)),
		Data:    saved,
	})
}

func (s *Server) listFiles(c *fiber.Ctx) error {
	owner := ownerID(c)
	folder := c.Query("folder", "")
	status := c.Query("status", "")
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	if limit > 1000 {
		limit = 1000
	}

	repo := database.NewWorkItemRepo(s.db)
	items, err := repo.ListByOwner(owner, folder, status, limit, offset)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	total, err := repo.CountByOwner(owner, folder, status)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.JSON(fiber.Map{
		"files": items,
		"total": total,
	})
}

func (s *Server) deleteFile(c *fiber.Ctx) error {
	id := c.Params("id")
	repo := database.NewWorkItemRepo(s.db)

	item, err := repo.GetByID(id)
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "File not found"})
	}
	if item.OwnerID != ownerID(c) {
		return c.Status(404).JSON(ErrorResponse{Error: "File not found"})
	}
	if item.Status == models.WorkItemClaimed {
		return c.Status(409).JSON(ErrorResponse{Error: "File is claimed by a running task"})
	}

	if err := repo.Delete(id); err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	if err := os.Remove(item.Path); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("path", item.Path).Msg("failed to remove file from disk")
	}

	return c.JSON(SuccessResponse{Message: "File deleted"})
}

// releaseFile returns a claimed file to the unclaimed pool. Claims are not
// reverted automatically on failure, so stuck files are freed here.
func (s *Server) releaseFile(c *fiber.Ctx) error {
	id := c.Params("id")
	repo := database.NewWorkItemRepo(s.db)

	item, err := repo.GetByID(id)
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "File not found"})
	}
	if item.OwnerID != ownerID(c) {
		return c.Status(404).JSON(ErrorResponse{Error: "File not found"})
	}
	if item.Status != models.WorkItemClaimed {
		return c.Status(409).JSON(ErrorResponse{Error: "File is not claimed"})
	}

	if err := repo.Release(id); err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(SuccessResponse{Message: "File released"})
}

// ============== Task Handlers ==============

type CreateTaskRequest struct {
	Name          string   `json:"name"`
	SiteIDs       []string `json:"site_ids"`
	Category      string   `json:"category"`
	IntervalSecs  int      `json:"interval_seconds"`
	DailyAt       string   `json:"daily_at"`
	StartTime     string   `json:"start_time"`
	EndTime       string   `json:"end_time"`
	SourceFolder  string   `json:"source_folder"`
	BackupFolders []string `json:"backup_folders"`
	DailyCount    int      `json:"daily_count"`
}

func (s *Server) createTask(c *fiber.Ctx) error {
	var req CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid request body"})
	}

	if len(req.SiteIDs) == 0 {
		return c.Status(400).JSON(ErrorResponse{Error: "At least one target site is required"})
	}
	if req.SourceFolder == "" {
		return c.Status(400).JSON(ErrorResponse{Error: "Source folder is required"})
	}
	if req.DailyAt == "" && req.IntervalSecs <= 0 {
		return c.Status(400).JSON(ErrorResponse{Error: "Either interval_seconds or daily_at is required"})
	}
	if req.DailyAt != "" {
		if _, err := time.Parse("15:04", req.DailyAt); err != nil {
			return c.Status(400).JSON(ErrorResponse{Error: "daily_at must be in HH:MM format"})
		}
	}

	// All referenced sites must exist before the task can be saved.
	siteRepo := database.NewSiteRepo(s.db)
	sites, err := siteRepo.GetByIDs(req.SiteIDs)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	if len(sites) != len(req.SiteIDs) {
		return c.Status(400).JSON(ErrorResponse{Error: "One or more target sites do not exist"})
	}

	task := &models.Task{
		OwnerID:       ownerID(c),
		Name:          req.Name,
		SiteIDs:       req.SiteIDs,
		Category:      req.Category,
		IntervalSecs:  req.IntervalSecs,
		DailyAt:       req.DailyAt,
		SourceFolder:  req.SourceFolder,
		BackupFolders: req.BackupFolders,
		DailyCount:    req.DailyCount,
	}

	if req.StartTime != "" {
		t, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			return c.Status(400).JSON(ErrorResponse{Error: "start_time must be RFC3339"})
		}
		task.StartTime = t
	}
	if req.EndTime != "" {
		t, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			return c.Status(400).JSON(ErrorResponse{Error: "end_time must be RFC3339"})
		}
		task.EndTime = &t
	}

	repo := database.NewTaskRepo(s.db)
	if err := repo.Create(task); err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.Status(201).JSON(task)
}

func (s *Server) listTasks(c *fiber.Ctx) error {
	owner := ownerID(c)
	status := c.Query("status", "")
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	if limit > 1000 {
		limit = 1000
	}

	repo := database.NewTaskRepo(s.db)
	tasks, err := repo.ListByOwner(owner, status, limit, offset)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(tasks)
}

func (s *Server) getTask(c *fiber.Ctx) error {
	task, err := s.ownedTask(c)
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Task not found"})
	}
	return c.JSON(task)
}

func (s *Server) startTask(c *fiber.Ctx) error {
	task, err := s.ownedTask(c)
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Task not found"})
	}

	repo := database.NewTaskRepo(s.db)
	if err := repo.Start(task.ID); err != nil {
		if err == database.ErrBadTransition {
			return c.Status(409).JSON(ErrorResponse{Error: fmt.Sprintf("Task cannot start from status %s", task.Status)})
		}
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	task.Status = models.TaskStatusRunning
	if err := s.scheduler.Schedule(task); err != nil {
		// Roll the status back so the task is not stuck running unscheduled.
		if pauseErr := repo.Pause(task.ID); pauseErr != nil {
			s.log.Error().Err(pauseErr).Str("task", task.ID).Msg("failed to roll back task status")
		}
		return c.Status(400).JSON(ErrorResponse{Error: fmt.Sprintf("Cannot schedule task: %v", err)})
	}

	return c.JSON(task)
}

func (s *Server) pauseTask(c *fiber.Ctx) error {
	task, err := s.ownedTask(c)
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Task not found"})
	}

	repo := database.NewTaskRepo(s.db)
	if err := repo.Pause(task.ID); err != nil {
		if err == database.ErrBadTransition {
			return c.Status(409).JSON(ErrorResponse{Error: fmt.Sprintf("Task cannot pause from status %s", task.Status)})
		}
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	s.scheduler.Unschedule(task.ID)
	task.Status = models.TaskStatusPaused
	return c.JSON(task)
}

func (s *Server) deleteTask(c *fiber.Ctx) error {
	task, err := s.ownedTask(c)
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Task not found"})
	}

	s.scheduler.Unschedule(task.ID)

	repo := database.NewTaskRepo(s.db)
	if err := repo.Delete(task.ID); err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(SuccessResponse{Message: "Task deleted"})
}

func (s *Server) taskHistory(c *fiber.Ctx) error {
	task, err := s.ownedTask(c)
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Task not found"})
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	repo := database.NewExecutionRepo(s.db)
	records, err := repo.HistoryByTask(task.ID, limit)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(records)
}

func (s *Server) ownedTask(c *fiber.Ctx) (*models.Task, error) {
	repo := database.NewTaskRepo(s.db)
	task, err := repo.GetByID(c.Params("id"))
	if err != nil {
		return nil, err
	}
	if task.OwnerID != ownerID(c) {
		return nil, fmt.Errorf("task %s not owned by caller", task.ID)
	}
	return task, nil
}

// ============== Site Handlers ==============

type SiteRequest struct {
	Name     string `json:"name"`
	RootURL  string `json:"root_url"`
	Suffix   string `json:"suffix"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) siteConfig(site *models.SiteContext) cms.SiteConfig {
	return cms.SiteConfig{
		BaseURL:  site.BaseURL(),
		Username: site.Username,
		Password: site.Password,
		Timeout:  s.opts.RequestTimeout,
	}
}

// probeSite logs into a site without persisting anything, returning the
// categories found. Used by the UI to confirm credentials before saving.
func (s *Server) probeSite(c *fiber.Ctx) error {
	var req SiteRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid request body"})
	}

	site := &models.SiteContext{
		RootURL:  req.RootURL,
		Suffix:   req.Suffix,
		Username: req.Username,
		Password: req.Password,
	}
	cats, err := s.adapter.ListCategories(c.UserContext(), s.siteConfig(site))
	if err != nil {
		return c.Status(502).JSON(ErrorResponse{Error: fmt.Sprintf("Probe failed: %v", err)})
	}

	return c.JSON(fiber.Map{
		"categories": toSiteCategories(cats),
	})
}

func (s *Server) createSite(c *fiber.Ctx) error {
	var req SiteRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid request body"})
	}
	if req.RootURL == "" || req.Username == "" {
		return c.Status(400).JSON(ErrorResponse{Error: "root_url and username are required"})
	}

	site := &models.SiteContext{
		Name:     req.Name,
		RootURL:  req.RootURL,
		Suffix:   req.Suffix,
		Username: req.Username,
		Password: req.Password,
	}

	cats, err := s.adapter.ListCategories(c.UserContext(), s.siteConfig(site))
	if err != nil {
		return c.Status(502).JSON(ErrorResponse{Error: fmt.Sprintf("Site verification failed: %v", err)})
	}
	site.Categories = toSiteCategories(cats)

	repo := database.NewSiteRepo(s.db)
	if err := repo.Create(site); err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.Status(201).JSON(site)
}

func (s *Server) listSites(c *fiber.Ctx) error {
	repo := database.NewSiteRepo(s.db)
	sites, err := repo.List()
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(sites)
}

func (s *Server) getSite(c *fiber.Ctx) error {
	repo := database.NewSiteRepo(s.db)
	site, err := repo.GetByID(c.Params("id"))
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Site not found"})
	}
	return c.JSON(site)
}

// refreshSiteCategories re-probes a stored site and replaces its categories
func (s *Server) refreshSiteCategories(c *fiber.Ctx) error {
	repo := database.NewSiteRepo(s.db)
	site, err := repo.GetByID(c.Params("id"))
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Site not found"})
	}

	cats, err := s.adapter.ListCategories(c.UserContext(), s.siteConfig(site))
	if err != nil {
		return c.Status(502).JSON(ErrorResponse{Error: fmt.Sprintf("Probe failed: %v", err)})
	}

	categories := toSiteCategories(cats)
	if err := repo.ReplaceCategories(site.ID, categories); err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	site.Categories = categories
	return c.JSON(site)
}

func (s *Server) deleteSite(c *fiber.Ctx) error {
	repo := database.NewSiteRepo(s.db)
	if err := repo.Delete(c.Params("id")); err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Site not found"})
	}
	return c.JSON(SuccessResponse{Message: "Site deleted"})
}

func toSiteCategories(cats []cms.Category) []models.SiteCategory {
	out := make([]models.SiteCategory, 0, len(cats))
	for _, cat := range cats {
		out = append(out, models.SiteCategory{Value: cat.Value, Label: cat.Label})
	}
	return out
}

// ============== Scheduler/Stats Handlers ==============

func (s *Server) schedulerStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"entries": s.scheduler.Status(),
	})
}

func (s *Server) getStats(c *fiber.Ctx) error {
	repo := database.NewExecutionRepo(s.db)
	stats, err := repo.StatsByOwner(ownerID(c))
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(stats)
}
