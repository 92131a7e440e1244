package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/medlit/classify/backend/pkg/classifier"
)

// Status constants for the model lifecycle.
type Status string

const (
	StatusCreated  Status = "created"
	StatusTraining Status = "training"
	StatusTrained  Status = "trained"
	StatusFailed   Status = "failed"
	StatusDeployed Status = "deployed"
	StatusArchived Status = "archived"
)

// Model is one registered classifier configuration with its lifecycle state
// and, after a successful run, its training outcome.
type Model struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	Family       classifier.Family   `json:"family"`
	DatasetID    string              `json:"dataset_id"`
	Config       classifier.Config   `json:"config"`
	Status       Status              `json:"status"`
	ArtifactPath string              `json:"artifact_path,omitempty"`
	Metrics      *classifier.Metrics `json:"metrics,omitempty"`
	LastError    string              `json:"last_error,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	TrainingStartedAt   *time.Time `json:"training_started_at,omitempty"`
	TrainingCompletedAt *time.Time `json:"training_completed_at,omitempty"`
}

// Trained reports whether the model has a usable artifact.
func (m *Model) Trained() bool {
	return m.Status == StatusTrained || m.Status == StatusDeployed
}

// CreateModelInput bundles the fields for registering a new model.
type CreateModelInput struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Family      string         `json:"family"`
	DatasetID   string         `json:"dataset_id"`
	Config      map[string]any `json:"config"`
}

// validate normalises the input and resolves the family string.
func (in *CreateModelInput) validate() (classifier.Family, error) {
	if strings.TrimSpace(in.Name) == "" {
		return "", fmt.Errorf("name is required")
	}
	if strings.TrimSpace(in.DatasetID) == "" {
		return "", fmt.Errorf("dataset_id is required")
	}
	if strings.TrimSpace(in.Family) == "" {
		return "", fmt.Errorf("family is required")
	}
	return classifier.ParseFamily(in.Family)
}

// QueryOptions controls filtering when listing models.
type QueryOptions struct {
	Status []Status
	Family []classifier.Family
	Limit  int
	Offset int
}

// Result is one persisted prediction, kept for auditing and threshold
// tuning. TrueDomains is only set when the caller knows the answer.
type Result struct {
	ID               string             `json:"id"`
	ModelID          string             `json:"model_id"`
	Title            string             `json:"title"`
	Abstract         string             `json:"abstract,omitempty"`
	PredictedDomains []string           `json:"predicted_domains"`
	Confidences      map[string]float64 `json:"confidence_scores"`
	AllScores        map[string]float64 `json:"all_domain_scores,omitempty"`
	Threshold        float64            `json:"prediction_threshold"`
	InferenceMS      float64            `json:"inference_time_ms"`
	TrueDomains      []string           `json:"true_domains,omitempty"`
	Fallback         bool               `json:"fallback,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Comparison records a side-by-side evaluation of several trained models
// on the same inputs.
type Comparison struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ModelIDs    []string       `json:"model_ids"`
	Results     map[string]any `json:"comparison_results"`
	CreatedAt   time.Time      `json:"created_at"`
}
