package result

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
)

// CustomFiles are the names a test may write its own results to, in lookup
// order.
var CustomFiles = []string{"results.yaml", "results.json"}

// Load reads a results file.
func Load(path string) ([]Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var results []Result
	if err := yaml.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, r := range results {
		if _, err := ParseOutcome(string(r.Result)); err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, i, err)
		}
	}
	return results, nil
}

// Save writes results as a YAML list, replacing path atomically.
func Save(path string, results []Result) error {
	if results == nil {
		results = []Result{}
	}
	data, err := yaml.Marshal(results)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadRaw decodes records written by a test. YAML and JSON are both
// accepted; a single mapping is treated as a one-element list.
func ReadRaw(r io.Reader) ([]Raw, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &tmterrors.SchemaError{Subject: "results file", Issues: []string{"file is empty"}}
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, &tmterrors.SchemaError{Subject: "results file", Issues: []string{err.Error()}}
	}
	var raws []Raw
	doc := &node
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	switch doc.Kind {
	case yaml.SequenceNode:
		err = doc.Decode(&raws)
	case yaml.MappingNode:
		var one Raw
		err = doc.Decode(&one)
		raws = []Raw{one}
	default:
		err = fmt.Errorf("expected a list of results")
	}
	if err != nil {
		return nil, &tmterrors.SchemaError{Subject: "results file", Issues: []string{err.Error()}}
	}
	return raws, nil
}

// FindCustom returns the first custom results file present in dir.
func FindCustom(dir string) (string, bool) {
	for _, name := range CustomFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// LoadCustom reads and decodes the custom results file at path.
func LoadCustom(path string) ([]Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRaw(f)
}
