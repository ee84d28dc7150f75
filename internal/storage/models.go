package storage

import "time"

// Evaluation represents a stored evaluation record.
type Evaluation struct {
	ID          string            `json:"id" db:"id"`
	Runtime     string            `json:"runtime" db:"runtime"`
	Mode        string            `json:"mode" db:"mode"`
	SourceHash  string            `json:"source_hash" db:"source_hash"`
	SourceSize  int               `json:"source_size" db:"source_size"`
	Status      string            `json:"status" db:"status"` // success, syntax_error, program_error, execution_failed, malformed_output, timeout
	Result      string            `json:"result,omitempty" db:"result"` // JSON text of the value
	Error       string            `json:"error,omitempty" db:"error"`
	DurationMS  int64             `json:"duration_ms" db:"duration_ms"`
	RequestIP   string            `json:"request_ip" db:"request_ip"`
	APIKeyHash  string            `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	Detections  []DetectionRecord `json:"detections,omitempty" db:"-"`
}

// DetectionRecord stores a source detection for audit.
type DetectionRecord struct {
	ID           string    `json:"id" db:"id"`
	EvaluationID string    `json:"evaluation_id" db:"evaluation_id"`
	Pattern      string    `json:"pattern" db:"pattern"`
	Severity     string    `json:"severity" db:"severity"`
	Detail       string    `json:"detail" db:"detail"`
	Line         int       `json:"line,omitempty" db:"line"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// EvaluationFilter provides criteria for querying evaluations.
type EvaluationFilter struct {
	Runtime string
	Mode    string
	Status  string
	Since   *time.Time
	Limit   int
	Offset  int
}
