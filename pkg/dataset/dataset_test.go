package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTrainingDataFiltersUnlabeled(t *testing.T) {
	samples := []Sample{
		{Title: "Chest pain", Abstract: "and troponin rise", Domains: []string{"cardiology"}},
		{Title: "Unlabeled case report", Abstract: "no annotation"},
		{Title: "Migraine", Abstract: "with aura", Domains: []string{"neurology"}},
	}
	texts, labels, err := TrainingData(samples)
	if err != nil {
		t.Fatalf("training data: %v", err)
	}
	if len(texts) != 2 || len(labels) != 2 {
		t.Fatalf("expected 2 labeled samples, got %d/%d", len(texts), len(labels))
	}
	if texts[0] != "Chest pain and troponin rise" {
		t.Fatalf("title and abstract not combined: %q", texts[0])
	}
	if labels[1][0] != "neurology" {
		t.Fatalf("labels misaligned: %v", labels)
	}
}

func TestTrainingDataEmpty(t *testing.T) {
	var empty *EmptyDatasetError
	_, _, err := TrainingData([]Sample{{Title: "a"}, {Title: "b"}})
	if !errors.As(err, &empty) {
		t.Fatalf("expected EmptyDatasetError, got %v", err)
	}
	if empty.Total != 2 {
		t.Fatalf("unexpected total: %d", empty.Total)
	}
}

func TestMemProvider(t *testing.T) {
	p := NewMemProvider()
	ds := p.Add(Dataset{Name: "cardio-corpus", Domains: []string{"cardiology"}}, []Sample{
		{Title: "A", Abstract: "heart failure", Domains: []string{"cardiology"}},
		{Title: "B", Abstract: "stroke", Domains: []string{"neurology", "cardiology"}},
	})
	if ds.ID == "" {
		t.Fatalf("expected assigned id")
	}
	if ds.TotalSamples != 2 {
		t.Fatalf("expected 2 samples, got %d", ds.TotalSamples)
	}
	if len(ds.Domains) != 2 || ds.Domains[0] != "cardiology" || ds.Domains[1] != "neurology" {
		t.Fatalf("expected sorted domain union, got %v", ds.Domains)
	}
	if ds.DomainDistribution["cardiology"] != 2 || ds.DomainDistribution["neurology"] != 1 {
		t.Fatalf("unexpected distribution: %v", ds.DomainDistribution)
	}

	got, err := p.Dataset(context.Background(), ds.ID)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	if got.Name != "cardio-corpus" {
		t.Fatalf("unexpected dataset: %+v", got)
	}

	samples, err := p.Samples(context.Background(), ds.ID)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 2 || samples[0].DatasetID != ds.ID {
		t.Fatalf("unexpected samples: %+v", samples)
	}

	if _, err := p.Dataset(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileProviderYAML(t *testing.T) {
	dir := t.TempDir()
	fixture := `name: pilot corpus
description: small slice of the annotation set
domains:
  - cardiology
samples:
  - title: Chest pain
    abstract: with troponin rise
    domains: [cardiology]
  - title: Migraine
    abstract: with aura
    domains: [neurology]
`
	if err := os.WriteFile(filepath.Join(dir, "pilot.yaml"), []byte(fixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	p := NewFileProvider(dir)
	ds, err := p.Dataset(context.Background(), "pilot")
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	if ds.ID != "pilot" || ds.Name != "pilot corpus" || ds.TotalSamples != 2 {
		t.Fatalf("unexpected dataset: %+v", ds)
	}
	if len(ds.Domains) != 2 {
		t.Fatalf("expected declared+observed domains, got %v", ds.Domains)
	}

	samples, err := p.Samples(context.Background(), "pilot")
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 2 || samples[1].Domains[0] != "neurology" {
		t.Fatalf("unexpected samples: %+v", samples)
	}

	if _, err := p.Dataset(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileProviderJSONAndList(t *testing.T) {
	dir := t.TempDir()
	fixture := `{
  "name": "json corpus",
  "samples": [
    {"title": "Sepsis", "abstract": "bloodstream infection", "domains": ["infectious_disease"]}
  ]
}`
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), []byte(fixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write decoy: %v", err)
	}

	p := NewFileProvider(dir)
	list, err := p.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "bundle" {
		t.Fatalf("unexpected listing: %+v", list)
	}

	samples, err := p.Samples(context.Background(), "bundle")
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	texts, labels, err := TrainingData(samples)
	if err != nil {
		t.Fatalf("training data: %v", err)
	}
	if texts[0] != "Sepsis bloodstream infection" || labels[0][0] != "infectious_disease" {
		t.Fatalf("unexpected training data: %v %v", texts, labels)
	}
}
