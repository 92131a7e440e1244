package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/medlit/classify/backend/pkg/classifier"
)

func TestCreateModelNormalisesFamily(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	m, err := store.CreateModel(ctx, CreateModelInput{
		Name:      "triage-svm",
		Family:    "svm",
		DatasetID: "ds-1",
		Config:    map[string]any{"c": 10.0},
	})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	if m.Family != classifier.FamilyFeature {
		t.Fatalf("family = %q, want %q", m.Family, classifier.FamilyFeature)
	}
	if m.Status != StatusCreated {
		t.Fatalf("status = %q, want %q", m.Status, StatusCreated)
	}
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at to be set, got %+v", m)
	}
	if m.Trained() {
		t.Fatal("freshly created model must not report trained")
	}
}

func TestCreateModelValidation(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	cases := []CreateModelInput{
		{Family: "feature-based", DatasetID: "ds-1"},
		{Name: "m", DatasetID: "ds-1"},
		{Name: "m", Family: "feature-based"},
		{Name: "m", Family: "word2vec", DatasetID: "ds-1"},
	}
	for i, in := range cases {
		if _, err := store.CreateModel(ctx, in); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, in)
		}
	}

	var unsupported *classifier.UnsupportedFamilyError
	_, err := store.CreateModel(ctx, CreateModelInput{Name: "m", Family: "word2vec", DatasetID: "ds-1"})
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedFamilyError, got %v", err)
	}
}

func TestUpdateModelLifecycle(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	m, err := store.CreateModel(ctx, CreateModelInput{
		Name:      "triage",
		Family:    "sequence-model",
		DatasetID: "ds-1",
	})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}

	updated, err := store.UpdateModel(ctx, m.ID, func(next *Model) error {
		next.Status = StatusTrained
		next.ArtifactPath = "/var/lib/models/triage.bundle"
		next.Metrics = &classifier.Metrics{Accuracy: 0.9, F1Macro: 0.85}
		return nil
	})
	if err != nil {
		t.Fatalf("update model: %v", err)
	}
	if !updated.Trained() {
		t.Fatalf("status = %q, want trained", updated.Status)
	}
	if updated.Metrics == nil || updated.Metrics.Accuracy != 0.9 {
		t.Fatalf("metrics not persisted: %+v", updated.Metrics)
	}
	if !updated.UpdatedAt.After(m.UpdatedAt) && !updated.UpdatedAt.Equal(m.UpdatedAt) {
		t.Fatalf("updated_at went backwards: %v -> %v", m.UpdatedAt, updated.UpdatedAt)
	}

	// The closure error must abort the update without touching the record.
	boom := errors.New("boom")
	if _, err := store.UpdateModel(ctx, m.ID, func(*Model) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected closure error, got %v", err)
	}
	fetched, err := store.GetModel(ctx, m.ID)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if fetched.Status != StatusTrained {
		t.Fatalf("failed update mutated record: status = %q", fetched.Status)
	}

	if _, err := store.UpdateModel(ctx, "missing", func(*Model) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateModelCopiesAreIsolated(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	m, err := store.CreateModel(ctx, CreateModelInput{
		Name:      "triage",
		Family:    "feature-based",
		DatasetID: "ds-1",
		Config:    map[string]any{"algorithm": "svm"},
	})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}

	m.Config["algorithm"] = "mutated"
	fetched, err := store.GetModel(ctx, m.ID)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if fetched.Config["algorithm"] != "svm" {
		t.Fatalf("stored config mutated through returned copy: %v", fetched.Config)
	}
}

func TestListModelsFilters(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, in := range []CreateModelInput{
		{Name: "a", Family: "feature-based", DatasetID: "ds-1"},
		{Name: "b", Family: "sequence-model", DatasetID: "ds-1"},
		{Name: "c", Family: "sequence-model", DatasetID: "ds-2"},
	} {
		m, err := store.CreateModel(ctx, in)
		if err != nil {
			t.Fatalf("create model %q: %v", in.Name, err)
		}
		ids = append(ids, m.ID)
	}
	if _, err := store.UpdateModel(ctx, ids[1], func(next *Model) error {
		next.Status = StatusTrained
		return nil
	}); err != nil {
		t.Fatalf("update model: %v", err)
	}

	all, err := store.ListModels(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}

	sequences, err := store.ListModels(ctx, QueryOptions{Family: []classifier.Family{classifier.FamilySequence}})
	if err != nil {
		t.Fatalf("list sequence models: %v", err)
	}
	if len(sequences) != 2 {
		t.Fatalf("len(sequences) = %d, want 2", len(sequences))
	}

	trained, err := store.ListModels(ctx, QueryOptions{Status: []Status{StatusTrained}})
	if err != nil {
		t.Fatalf("list trained models: %v", err)
	}
	if len(trained) != 1 || trained[0].Name != "b" {
		t.Fatalf("trained filter returned %+v", trained)
	}

	paged, err := store.ListModels(ctx, QueryOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("list with paging: %v", err)
	}
	if len(paged) != 1 {
		t.Fatalf("len(paged) = %d, want 1", len(paged))
	}
}

func TestDeleteModelRemovesResults(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	m, err := store.CreateModel(ctx, CreateModelInput{Name: "m", Family: "feature-based", DatasetID: "ds-1"})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	if _, err := store.SaveResult(ctx, &Result{
		ModelID:          m.ID,
		Title:            "Chest pain workup",
		PredictedDomains: []string{"cardiology"},
		Confidences:      map[string]float64{"cardiology": 0.92},
		Threshold:        0.5,
	}); err != nil {
		t.Fatalf("save result: %v", err)
	}

	if err := store.DeleteModel(ctx, m.ID); err != nil {
		t.Fatalf("delete model: %v", err)
	}
	if err := store.DeleteModel(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := store.ListResults(ctx, m.ID, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for results of deleted model, got %v", err)
	}
}

func TestResultsNewestFirst(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	m, err := store.CreateModel(ctx, CreateModelInput{Name: "m", Family: "feature-based", DatasetID: "ds-1"})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	for _, title := range []string{"first", "second", "third"} {
		if _, err := store.SaveResult(ctx, &Result{ModelID: m.ID, Title: title, Threshold: 0.5}); err != nil {
			t.Fatalf("save result %q: %v", title, err)
		}
	}

	results, err := store.ListResults(ctx, m.ID, 2)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Title != "third" || results[1].Title != "second" {
		t.Fatalf("unexpected order: %q, %q", results[0].Title, results[1].Title)
	}

	if _, err := store.SaveResult(ctx, &Result{ModelID: "missing", Title: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown model, got %v", err)
	}
}

func TestComparisons(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	saved, err := store.SaveComparison(ctx, &Comparison{
		Name:     "svm vs transformer",
		ModelIDs: []string{"m1", "m2"},
		Results: map[string]any{
			"m1": map[string]any{"accuracy": 0.81},
			"m2": map[string]any{"accuracy": 0.88},
		},
	})
	if err != nil {
		t.Fatalf("save comparison: %v", err)
	}
	if saved.ID == "" || saved.CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at to be set, got %+v", saved)
	}

	got, err := store.GetComparison(ctx, saved.ID)
	if err != nil {
		t.Fatalf("get comparison: %v", err)
	}
	if got.Name != "svm vs transformer" || len(got.ModelIDs) != 2 {
		t.Fatalf("unexpected comparison: %+v", got)
	}

	if _, err := store.GetComparison(ctx, "missing"); !errors.Is(err, ErrComparisonNotFound) {
		t.Fatalf("expected ErrComparisonNotFound, got %v", err)
	}

	list, err := store.ListComparisons(ctx)
	if err != nil {
		t.Fatalf("list comparisons: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
}
