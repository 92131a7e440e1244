package hpo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/medlit/classify/backend/pkg/classifier"
)

// Trial is one evaluated candidate configuration.
type Trial struct {
	Index           int            `json:"index"`
	Params          map[string]any `json:"params"`
	Score           float64        `json:"score"`
	Failed          bool           `json:"failed,omitempty"`
	Error           string         `json:"error,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// Study accumulates trials for one named search. BestIndex is -1 until a
// trial succeeds; ties keep the earliest trial.
type Study struct {
	Name       string            `json:"name"`
	Family     classifier.Family `json:"family"`
	Metric     string            `json:"metric"`
	Trials     []Trial           `json:"trials"`
	BestIndex  int               `json:"best_index"`
	BestScore  float64           `json:"best_score"`
	BestParams map[string]any    `json:"best_params,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// record folds a finished trial into the study's running best.
func (s *Study) record(t Trial) {
	s.Trials = append(s.Trials, t)
	if !t.Failed && (s.BestIndex < 0 || t.Score > s.BestScore) {
		s.BestIndex = t.Index
		s.BestScore = t.Score
		s.BestParams = t.Params
	}
	s.UpdatedAt = time.Now().UTC()
}

// StudyStore keeps one JSON document per study under a directory, written
// atomically so an interrupted run can always resume from the last trial.
type StudyStore struct {
	mu  sync.Mutex
	dir string
}

func NewStudyStore(dir string) (*StudyStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("study directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create study directory: %w", err)
	}
	return &StudyStore{dir: dir}, nil
}

// LoadOrCreate returns the named study, creating it on first use. Resuming
// with a different family than the study was created for is an error.
func (s *StudyStore) LoadOrCreate(name string, family classifier.Family, metric string) (*Study, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("study name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read study %s: %w", name, err)
		}
		now := time.Now().UTC()
		return &Study{
			Name:      name,
			Family:    family,
			Metric:    metric,
			BestIndex: -1,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}

	var study Study
	if err := json.Unmarshal(data, &study); err != nil {
		return nil, fmt.Errorf("parse study %s: %w", name, err)
	}
	if study.Family != family {
		return nil, fmt.Errorf("study %s already exists for family %q", name, study.Family)
	}
	return &study, nil
}

// Save writes the study atomically (tmp + rename).
func (s *StudyStore) Save(study *Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.MarshalIndent(study, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal study %s: %w", study.Name, err)
	}
	target := s.path(study.Name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write study %s: %w", study.Name, err)
	}
	return os.Rename(tmp, target)
}

func (s *StudyStore) path(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+".json")
}

// sanitizeName keeps study files addressable regardless of what callers put
// in the study name.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
