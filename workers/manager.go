package workers

import (
	"sync"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/surajsub/temporal-release-pipeline/activities"
	"github.com/surajsub/temporal-release-pipeline/workflows"
)

// WorkerManager runs one Temporal worker per task queue. Every worker
// registers the same workflows and the shared activities instance.
type WorkerManager struct {
	client     client.Client
	activities *activities.Activities
	logger     *zap.Logger

	workers map[string]worker.Worker

	activeCount int
	mu          sync.Mutex
	workerIDs   map[string]string
}

func NewWorkerManager(c client.Client, acts *activities.Activities, logger *zap.Logger) *WorkerManager {
	return &WorkerManager{
		client:     c,
		activities: acts,
		logger:     logger,
		workers:    make(map[string]worker.Worker),
		workerIDs:  make(map[string]string),
	}
}

// Register adds the pipeline workflows and activities to w.
func (m *WorkerManager) Register(w worker.Registry) {
	w.RegisterWorkflow(workflows.PipelineWorkflow)
	w.RegisterWorkflow(workflows.DeploymentWorkflow)
	w.RegisterActivity(m.activities)
}

// StartWorker starts polling queueName. Starting an already running queue is
// a no-op.
func (m *WorkerManager) StartWorker(queueName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[queueName]; exists {
		m.logger.Info("Worker already running", zap.String("queue", queueName))
		return nil
	}

	workerID := uuid.New().String()
	w := worker.New(m.client, queueName, worker.Options{Identity: workerID})
	m.Register(w)

	if err := w.Start(); err != nil {
		return err
	}

	m.workers[queueName] = w
	m.workerIDs[queueName] = workerID
	m.activeCount++
	m.logger.Info("Started worker", zap.String("worker_id", workerID), zap.String("queue", queueName))
	return nil
}

func (m *WorkerManager) StopWorker(queueName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, exists := m.workers[queueName]; exists {
		w.Stop()
		delete(m.workers, queueName)
		delete(m.workerIDs, queueName)
		m.activeCount--
		m.logger.Info("Stopped worker", zap.String("queue", queueName))
	} else {
		m.logger.Warn("Worker is not running", zap.String("queue", queueName))
	}
}

// StopAll stops every running worker.
func (m *WorkerManager) StopAll() {
	m.mu.Lock()
	queues := make([]string, 0, len(m.workers))
	for q := range m.workers {
		queues = append(queues, q)
	}
	m.mu.Unlock()
	for _, q := range queues {
		m.StopWorker(q)
	}
}

// GetActiveWorkers returns the number of active workers.
func (m *WorkerManager) GetActiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount
}

// GetWorkerID returns the worker ID for a specific task queue.
func (m *WorkerManager) GetWorkerID(queueName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workerIDs[queueName]
}
