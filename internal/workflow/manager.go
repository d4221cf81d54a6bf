package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"motionstill/internal/config"
	"motionstill/internal/convert"
	"motionstill/internal/logging"
	"motionstill/internal/queue"
	"motionstill/internal/stage"
)

// lockFileName guards the queue database against concurrent managers.
const lockFileName = "motionstill.lock"

// Manager drains the conversion queue with a pool of workers.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	logger       *slog.Logger
	pollInterval time.Duration
	heartbeat    *HeartbeatMonitor
	lock         *flock.Flock

	convertStage stage.Handler
	tagStage     stage.Handler

	mu      sync.Mutex
	running bool
	cancel  func()
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a manager with the default conversion stages.
func NewManager(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Manager {
	converter := convert.New(cfg, nil, nil, logger)
	return NewManagerWithConverter(cfg, store, logger, converter)
}

// NewManagerWithConverter constructs a manager around a prebuilt converter.
// Tests use it to inject stub tool clients.
func NewManagerWithConverter(cfg *config.Config, store *queue.Store, logger *slog.Logger, converter *convert.Converter) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		logger:       logging.NewComponentLogger(logger, "workflow"),
		pollInterval: time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
		convertStage: NewConvertStage(cfg, converter, logger),
		tagStage:     NewTagStage(cfg, converter, logger),
	}
}

// Health reports readiness of each stage's external tooling.
func (m *Manager) Health(ctx context.Context) []stage.Health {
	return []stage.Health{
		m.convertStage.HealthCheck(ctx),
		m.tagStage.HealthCheck(ctx),
	}
}

// LastError returns the most recent stage or queue error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
