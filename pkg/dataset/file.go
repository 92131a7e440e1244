package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// FileProvider serves datasets from fixture files in one directory. The
// dataset identifier is the file name without extension; .json, .yaml and
// .yml are recognised.
type FileProvider struct {
	dir string
}

// NewFileProvider serves fixtures from dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

type fileSample struct {
	Title    string   `json:"title" yaml:"title"`
	Abstract string   `json:"abstract" yaml:"abstract"`
	Domains  []string `json:"domains" yaml:"domains"`
	Journal  string   `json:"journal,omitempty" yaml:"journal,omitempty"`
	Year     int      `json:"year,omitempty" yaml:"year,omitempty"`
}

type fileDataset struct {
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	Domains     []string     `json:"domains" yaml:"domains"`
	Samples     []fileSample `json:"samples" yaml:"samples"`
}

var fileExtensions = []string{".yaml", ".yml", ".json"}

func (p *FileProvider) resolve(id string) (string, error) {
	if ext := filepath.Ext(id); ext != "" {
		path := filepath.Join(p.dir, id)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", ErrNotFound
	}
	for _, ext := range fileExtensions {
		path := filepath.Join(p.dir, id+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrNotFound
}

func (p *FileProvider) load(id string) (*fileDataset, os.FileInfo, error) {
	path, err := p.resolve(id)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read dataset file: %w", err)
	}
	var fd fileDataset
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &fd); err != nil {
			return nil, nil, fmt.Errorf("decode dataset %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &fd); err != nil {
			return nil, nil, fmt.Errorf("decode dataset %s: %w", path, err)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat dataset file: %w", err)
	}
	return &fd, info, nil
}

func (p *FileProvider) Dataset(_ context.Context, id string) (*Dataset, error) {
	fd, info, err := p.load(id)
	if err != nil {
		return nil, err
	}
	samples := fd.toSamples(id)
	ds := &Dataset{
		ID:           strings.TrimSuffix(filepath.Base(info.Name()), filepath.Ext(info.Name())),
		Name:         fd.Name,
		Description:  fd.Description,
		TotalSamples: len(samples),
		Validated:    true,
		CreatedAt:    info.ModTime().UTC(),
		UpdatedAt:    info.ModTime().UTC(),
	}
	if ds.Name == "" {
		ds.Name = ds.ID
	}
	ds.Domains, ds.DomainDistribution = computeStats(fd.Domains, samples)
	return ds, nil
}

func (p *FileProvider) Samples(_ context.Context, id string) ([]Sample, error) {
	fd, _, err := p.load(id)
	if err != nil {
		return nil, err
	}
	return fd.toSamples(id), nil
}

func (fd *fileDataset) toSamples(datasetID string) []Sample {
	out := make([]Sample, len(fd.Samples))
	for i, fs := range fd.Samples {
		out[i] = Sample{
			DatasetID: datasetID,
			Title:     fs.Title,
			Abstract:  fs.Abstract,
			Domains:   fs.Domains,
			Journal:   fs.Journal,
			Year:      fs.Year,
		}
	}
	return out
}

// List scans the fixture directory for recognised dataset files.
func (p *FileProvider) List(ctx context.Context) ([]Dataset, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset directory: %w", err)
	}
	var out []Dataset
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		recognised := false
		for _, want := range fileExtensions {
			if ext == want {
				recognised = true
				break
			}
		}
		if !recognised {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ext)
		ds, err := p.Dataset(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Provider = (*FileProvider)(nil)
