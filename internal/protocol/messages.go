package protocol

import "time"

// ScriptLine is one speaker turn in a podcast script.
type ScriptLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// PodcastJob asks the job service to synthesize a script.
type PodcastJob struct {
	JobID        string       `json:"job_id"`
	InputID      string       `json:"input_id,omitempty"`
	Scripts      []ScriptLine `json:"scripts"`
	Action       int          `json:"action,omitempty"`
	Encoding     string       `json:"encoding,omitempty"`
	UseHeadMusic bool         `json:"use_head_music"`
	UseTailMusic bool         `json:"use_tail_music"`
	SubmittedAt  time.Time    `json:"submitted_at"`
}

// PodcastStatus is broadcast when a job reaches a terminal state.
type PodcastStatus struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	TaskID    string    `json:"task_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkerAnnounce is published when a job worker joins the bus.
type WorkerAnnounce struct {
	WorkerID       string    `json:"worker_id"`
	MaxConcurrency int       `json:"max_concurrency"`
	Encoding       string    `json:"encoding"`
	Timestamp      time.Time `json:"timestamp"`
}

// WorkerHeartbeat keeps a worker listed as healthy.
type WorkerHeartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Active    int       `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectPodcastRequest = "podcast.request"
	SubjectPodcastDone    = "podcast.done"

	SubjectWorkerAnnounce  = "podcast.worker.announce"
	SubjectWorkerHeartbeat = "podcast.worker.heartbeat"

	// QueuePodcastWorkers shares requests between job service replicas.
	QueuePodcastWorkers = "podcast-workers"
)
