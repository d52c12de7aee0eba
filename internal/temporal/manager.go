package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string

	// Parallelism bounds concurrent universes per batch.
	Parallelism int
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	acts   *Activities
	cfg    Config
}

// New creates a Temporal client and worker, registering the batch workflow and its activities.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(BatchWorkflow)
	w.RegisterActivity(acts)

	return &Manager{
		client: c,
		worker: w,
		acts:   acts,
		cfg:    cfg,
	}, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// Client returns the Temporal client for starting workflows.
func (m *Manager) Client() client.Client {
	return m.client
}

// TaskQueue returns the configured task queue name.
func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// WorkflowID returns the workflow ID used for a batch.
func WorkflowID(batchID string) string {
	return "batch-" + batchID
}

// StartBatch starts the BatchWorkflow for a prepared batch and returns the
// workflow ID.
func (m *Manager) StartBatch(ctx context.Context, batchID string) (string, error) {
	rec, err := m.acts.Service.Batch(ctx, batchID)
	if err != nil {
		return "", err
	}
	opts := client.StartWorkflowOptions{
		ID:                    WorkflowID(batchID),
		TaskQueue:             m.cfg.TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	parallel := m.cfg.Parallelism
	if parallel < 1 {
		parallel = rec.Workers
	}
	run, err := m.client.ExecuteWorkflow(ctx, opts, BatchWorkflow, BatchInput{
		BatchID:     batchID,
		Reps:        rec.Reps,
		Parallelism: parallel,
	})
	if err != nil {
		return "", fmt.Errorf("start batch workflow: %w", err)
	}
	return run.GetID(), nil
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
