package temporal

// BatchInput is the input for the BatchWorkflow.
type BatchInput struct {
	BatchID       string `json:"batch_id"`
	Reps          int    `json:"reps"`
	Parallelism   int    `json:"parallelism"`    // concurrent RunUniverse activities; <= 1 = sequential
	ProgressEvery int    `json:"progress_every"` // universes between progress reports; <= 0 = 10
}

// BatchOutput is the output of the BatchWorkflow.
type BatchOutput struct {
	BatchID       string  `json:"batch_id"`
	Status        string  `json:"status"`
	CompletedRuns int     `json:"completed_runs"`
	MeanRegret    float64 `json:"mean_regret"`
	Error         string  `json:"error,omitempty"`
}

// UniverseInput is the input for the RunUniverse activity.
type UniverseInput struct {
	BatchID  string `json:"batch_id"`
	Universe int    `json:"universe"`
}

// ProgressInput is the input for the ReportProgress activity.
type ProgressInput struct {
	BatchID  string  `json:"batch_id"`
	Fraction float64 `json:"fraction"`
}

// FinishInput is the input for the FinishBatch activity.
type FinishInput struct {
	BatchID       string `json:"batch_id"`
	CompletedRuns int    `json:"completed_runs"`
	Error         string `json:"error,omitempty"`
	Cancelled     bool   `json:"cancelled,omitempty"`
}

// Progress is the answer to the "progress" query.
type Progress struct {
	CompletedRuns int `json:"completed_runs"`
	Reps          int `json:"reps"`
}
