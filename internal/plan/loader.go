package plan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
	"gopkg.in/yaml.v3"
)

// LoadFile reads and parses a plan YAML file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	p, err := Load(data)
	if err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	p.Dir = dir
	return p, nil
}

// Load parses plan YAML bytes and fills in defaults.
func Load(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("plan has no name")
	}
	if len(p.Provision) == 0 {
		p.Provision = []Guest{{How: "local"}}
	}
	for i := range p.Provision {
		if p.Provision[i].Name == "" {
			p.Provision[i].Name = fmt.Sprintf("default-%d", i)
		}
	}
	return &p, nil
}

// TreeDir is the absolute tree directory of the plan.
func (p *Plan) TreeDir() string {
	return p.resolve(p.Discover.Tree, p.Dir)
}

// SourcePath is the absolute path of the source archive, if any.
func (p *Plan) SourcePath() string {
	if p.Discover.Source == "" {
		return ""
	}
	return p.resolve(p.Discover.Source, p.Dir)
}

func (p *Plan) resolve(path, base string) string {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		return path
	}
	if base == "" {
		base, _ = os.Getwd()
	}
	return filepath.Join(base, path)
}

// LoadTests reads every *.yaml file under dir as one test. A test without a
// name is named after its file ("/tests/smoke" for tests/smoke.yaml under
// tree) and runs in the file's directory by default.
func LoadTests(tree, dir string) ([]Test, error) {
	root := dir
	if !filepath.IsAbs(root) {
		root = filepath.Join(tree, dir)
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.IsDir() && (strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering tests: %w", err)
	}
	sort.Strings(files)

	tests := make([]Test, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var t Test
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parsing test %s: %w", path, err)
		}
		rel, err := filepath.Rel(tree, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)
		if t.Name == "" {
			t.Name = "/" + strings.TrimSuffix(strings.TrimSuffix(rel, ".yaml"), ".yml")
		}
		if t.Path == "" {
			t.Path = "/" + filepath.ToSlash(filepath.Dir(rel))
		}
		tests = append(tests, t)
	}
	return tests, nil
}

// Filter keeps the tests whose name matches any of the glob patterns; "**"
// crosses path separators. No patterns keeps everything.
func Filter(tests []Test, patterns []string) ([]Test, error) {
	if len(patterns) == 0 {
		return tests, nil
	}
	var out []Test
	for _, t := range tests {
		for _, pattern := range patterns {
			ok, err := doublestar.Match(pattern, t.Name)
			if err != nil {
				return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
			}
			if ok {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// LoadTestsFile reads the discovered tests written by the discover step.
func LoadTestsFile(path string) ([]Test, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tests []Test
	if err := yaml.Unmarshal(data, &tests); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return tests, nil
}

// SaveTestsFile writes the discovered tests.
func SaveTestsFile(path string, tests []Test) error {
	if tests == nil {
		tests = []Test{}
	}
	data, err := yaml.Marshal(tests)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
