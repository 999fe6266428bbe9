package jobqueue

import (
	"context"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Polaris/internal/pkg/env"
	"github.com/ManuelReschke/Polaris/internal/pkg/metrics"
)

const depthInterval = 30 * time.Second

// Manager owns the archive queue and publishes its depth as gauges.
type Manager struct {
	queue *Queue

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var globalManager *Manager

// NewManager builds a manager whose workers archive into store.
func NewManager(store PayloadStore) *Manager {
	return newManager(NewQueue(WorkerCountFromEnv(), store))
}

func newManager(queue *Queue) *Manager {
	return &Manager{queue: queue, stopCh: make(chan struct{})}
}

// SetupManager installs the global manager.
func SetupManager(store PayloadStore) *Manager {
	globalManager = NewManager(store)
	return globalManager
}

// GetManager returns the global manager, or nil before SetupManager.
func GetManager() *Manager {
	return globalManager
}

// WorkerCountFromEnv reads ARCHIVE_QUEUE_WORKERS.
func WorkerCountFromEnv() int {
	return env.GetEnvInt("ARCHIVE_QUEUE_WORKERS", defaultWorkers)
}

func (m *Manager) GetQueue() *Queue {
	return m.queue
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	// fresh channel per cycle so Start after Stop works
	m.stopCh = make(chan struct{})
	m.running = true

	m.queue.Start()
	m.wg.Add(1)
	go m.publishDepth()
	fiberlog.Info("[ArchiveQueue] manager started")
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	m.queue.Stop()
}

func (m *Manager) publishDepth() {
	defer m.wg.Done()
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reportDepth(context.Background())
		}
	}
}

func (m *Manager) reportDepth(ctx context.Context) {
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		fiberlog.Debugw("[ArchiveQueue] depth unavailable", "error", err)
		return
	}
	metrics.SetArchiveQueueDepth("pending", stats.Pending)
	metrics.SetArchiveQueueDepth("inflight", stats.InFlight)
	metrics.SetArchiveQueueDepth("retrying", stats.Retrying)
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
