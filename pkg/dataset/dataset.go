package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a dataset identifier resolves to nothing.
var ErrNotFound = errors.New("dataset not found")

// EmptyDatasetError reports a dataset whose samples carry no usable labels.
type EmptyDatasetError struct {
	Total int
}

func (e *EmptyDatasetError) Error() string {
	return fmt.Sprintf("dataset has no labeled samples (%d total)", e.Total)
}

// Dataset describes one uploaded corpus of annotated literature.
type Dataset struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Domains            []string       `json:"domains"`
	TotalSamples       int            `json:"total_samples"`
	DomainDistribution map[string]int `json:"domain_distribution,omitempty"`
	Validated          bool           `json:"validated"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Sample is one annotated article.
type Sample struct {
	ID        string   `json:"id,omitempty"`
	DatasetID string   `json:"dataset_id,omitempty"`
	Title     string   `json:"title"`
	Abstract  string   `json:"abstract"`
	Domains   []string `json:"domains"`
	Authors   string   `json:"authors,omitempty"`
	Journal   string   `json:"journal,omitempty"`
	Year      int      `json:"year,omitempty"`
	DOI       string   `json:"doi,omitempty"`
}

// Text combines title and abstract into the classifier input.
func (s Sample) Text() string {
	return strings.TrimSpace(s.Title + " " + s.Abstract)
}

// Provider supplies training data by dataset identifier. Implementations
// must treat returned slices as snapshots the caller owns.
type Provider interface {
	Dataset(ctx context.Context, id string) (*Dataset, error)
	Samples(ctx context.Context, id string) ([]Sample, error)
}

// TrainingData converts samples into the parallel text/label slices the
// classifiers consume. Unlabeled samples are dropped; an all-unlabeled
// dataset fails with EmptyDatasetError.
func TrainingData(samples []Sample) ([]string, [][]string, error) {
	texts := make([]string, 0, len(samples))
	labels := make([][]string, 0, len(samples))
	for _, s := range samples {
		if len(s.Domains) == 0 {
			continue
		}
		texts = append(texts, s.Text())
		labels = append(labels, s.Domains)
	}
	if len(texts) == 0 {
		return nil, nil, &EmptyDatasetError{Total: len(samples)}
	}
	return texts, labels, nil
}

// computeStats derives the domain list and per-domain sample counts from the
// declared domains plus everything observed in the samples.
func computeStats(declared []string, samples []Sample) ([]string, map[string]int) {
	seen := make(map[string]struct{}, len(declared))
	for _, d := range declared {
		if d != "" {
			seen[d] = struct{}{}
		}
	}
	dist := make(map[string]int)
	for _, s := range samples {
		for _, d := range s.Domains {
			if d == "" {
				continue
			}
			seen[d] = struct{}{}
			dist[d]++
		}
	}
	domains := make([]string, 0, len(seen))
	for d := range seen {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains, dist
}
