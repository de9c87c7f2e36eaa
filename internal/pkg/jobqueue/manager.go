package jobqueue

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TunnelFox/internal/pkg/env"
	metrics "github.com/ManuelReschke/TunnelFox/internal/pkg/metrics/counter"
)

const (
	defaultWorkerCount   = 5
	counterFlushInterval = 5 * time.Second
	archiveInterval      = 24 * time.Hour
)

// Manager manages the global job queue and background tasks
type Manager struct {
	queue              *Queue
	counterFlushTicker *time.Ticker
	archiveTicker      *time.Ticker
	archiveEnabled     bool
	flushCounters      func() error
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			queue:         NewQueue(env.GetEnvInt("JOB_QUEUE_WORKERS", defaultWorkerCount)),
			flushCounters: metrics.FlushAll,
			stopCh:        make(chan struct{}),
		}
	})
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// UseProvisioner wires provision and deprovision jobs to p.
func (m *Manager) UseProvisioner(p Provisioner) {
	m.queue.Register(JobTypeProvision, ProvisionHandler(p))
	m.queue.Register(JobTypeDeprovision, DeprovisionHandler(p))
}

// UseArchiver wires archive_attempts jobs and schedules one export per day.
func (m *Manager) UseArchiver(a AttemptArchiver) {
	m.queue.Register(JobTypeArchiveAttempts, ArchiveHandler(a))
	m.mu.Lock()
	m.archiveEnabled = true
	m.mu.Unlock()
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	// Provisioning counters (Redis -> DB)
	m.counterFlushTicker = time.NewTicker(counterFlushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker(m.stopCh)

	if m.archiveEnabled {
		m.archiveTicker = time.NewTicker(archiveInterval)
		m.wg.Add(1)
		go m.archiveWorker(m.stopCh)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.counterFlushTicker != nil {
		m.counterFlushTicker.Stop()
	}
	if m.archiveTicker != nil {
		m.archiveTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	// pick up outcomes recorded since the last tick
	if err := m.flushCountersOnce(); err != nil {
		log.Errorf("[JobQueue Manager] Final counter flush error: %v", err)
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// counterFlushWorker periodically flushes provisioning counters from Redis to DB
func (m *Manager) counterFlushWorker(stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-m.counterFlushTicker.C:
			if err := m.flushCountersOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}

// archiveWorker enqueues the export of the previous UTC day once per interval
func (m *Manager) archiveWorker(stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Archive worker stopping")
			return
		case now := <-m.archiveTicker.C:
			from, to := previousDay(now)
			if _, err := m.queue.EnqueueArchiveAttemptsJob(from, to); err != nil {
				log.Errorf("[JobQueue Manager] Failed to enqueue attempt archive: %v", err)
			}
		}
	}
}

func (m *Manager) flushCountersOnce() error {
	if m.flushCounters == nil {
		return nil
	}
	return m.flushCounters()
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
