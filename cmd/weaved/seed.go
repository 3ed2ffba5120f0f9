package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"goa.design/weave"
	"goa.design/weave/runtime/definition"
)

// seedDocument is one YAML document in a seed file. Files may hold several
// documents separated by "---"; each becomes one definition draft.
type seedDocument struct {
	Kind        string         `yaml:"kind"`
	Name        string         `yaml:"name"`
	Reference   string         `yaml:"reference"`
	Description string         `yaml:"description"`
	Owner       seedOwner      `yaml:"owner"`
	Tags        []string       `yaml:"tags"`
	Content     map[string]any `yaml:"content"`
}

type seedOwner struct {
	ProjectID string `yaml:"projectId"`
	LibraryID string `yaml:"libraryId"`
}

// seedDefinitions loads every .yaml/.yml file under dir (sorted by path, so
// tasks can precede the workflows that reference them) and puts each document
// through the definition pipeline with autoversioning on. Re-seeding an
// unchanged directory therefore reuses every existing version.
func seedDefinitions(ctx context.Context, eng *weave.Engine, dir string) (int, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Strings(paths)

	count := 0
	for _, path := range paths {
		n, err := seedFile(ctx, eng, path)
		if err != nil {
			return count, fmt.Errorf("%s: %w", path, err)
		}
		count += n
	}
	return count, nil
}

func seedFile(ctx context.Context, eng *weave.Engine, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	count := 0
	for {
		var doc seedDocument
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		draft, err := doc.draft()
		if err != nil {
			return count, err
		}
		if _, err := eng.PutDefinition(ctx, draft); err != nil {
			return count, fmt.Errorf("definition %q: %w", doc.Name, err)
		}
		count++
	}
}

func (d seedDocument) draft() (definition.Draft, error) {
	kind := definition.Kind(d.Kind)
	if !kind.Valid() {
		return definition.Draft{}, fmt.Errorf("unknown kind %q", d.Kind)
	}
	content, ok := normalizeYAML(d.Content).(map[string]any)
	if !ok {
		return definition.Draft{}, fmt.Errorf("definition %q has no content", d.Name)
	}
	return definition.Draft{
		Kind:        kind,
		Name:        d.Name,
		Reference:   d.Reference,
		Description: d.Description,
		Owner:       definition.Owner{ProjectID: d.Owner.ProjectID, LibraryID: d.Owner.LibraryID},
		Tags:        d.Tags,
		Content:     content,
		Autoversion: true,
	}, nil
}

// normalizeYAML rewrites yaml.v3 decoding artifacts into the JSON object
// model the definition pipeline expects: map keys become strings and nested
// containers are normalized recursively.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
