package events

// StageStart is published when a pipeline stage begins.
type StageStart struct {
	Stage string `json:"stage"`
	Model string `json:"model"`
}

// StageToken carries a coalesced chunk of streamed model output.
type StageToken struct {
	Stage string `json:"stage"`
	Token string `json:"token"`
}

// StageComplete is published when a pipeline stage finishes.
type StageComplete struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"durationMs"`
}

// JobStarted is published when the executor claims a queue job.
type JobStarted struct {
	JobID string `json:"jobId"`
}

// JobProgress reports sampling progress for the active job.
type JobProgress struct {
	JobID       string  `json:"jobId"`
	CurrentStep int     `json:"currentStep"`
	TotalSteps  int     `json:"totalSteps"`
	Progress    float64 `json:"progress"`
}

// JobCompleted is published when a job finishes and its artifact is stored.
type JobCompleted struct {
	JobID      string `json:"jobId"`
	ArtifactID string `json:"artifactId"`
}

// JobFailed is published when a job terminates with an error.
type JobFailed struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// JobCancelled is published when a job is cancelled.
type JobCancelled struct {
	JobID string `json:"jobId"`
}
