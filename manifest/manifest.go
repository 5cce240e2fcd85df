// Package manifest handles redgen.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/redgen/codegen"
)

// FileName is the project configuration file name.
const FileName = "redgen.toml"

// Manifest represents a redgen.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Runtime Runtime `toml:"runtime"`
	Output  Output  `toml:"output"`
	Build   Build   `toml:"build"`

	// Dir is the directory containing the redgen.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name      string   `toml:"name"`
	Namespace string   `toml:"namespace"` // default package for plans that name none
	Plans     []string `toml:"plans"`     // plan files or directories
}

// Runtime names the runtime library's designated base types.
type Runtime struct {
	Method  string   `toml:"method"`
	Object  string   `toml:"object"`
	Closure string   `toml:"closure"`
	Context string   `toml:"context"`
	Classes []string `toml:"classes"` // optional catalog of shipped classes
}

// Output configures where compiled classes go.
type Output struct {
	Dir    string `toml:"dir"`
	Bundle string `toml:"bundle"`
	Cache  string `toml:"cache"`
}

// Build configures the driver.
type Build struct {
	Jobs      int `toml:"jobs"`
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no redgen.toml exists.
func Default(dir string) *Manifest {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses a redgen.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults()

	if m.Project.Namespace != "" {
		if _, err := PackagePath(m.Project.Namespace); err != nil {
			return nil, fmt.Errorf("%s: project namespace: %w", path, err)
		}
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	rt := codegen.DefaultRuntime()
	if m.Runtime.Method == "" {
		m.Runtime.Method = rt.Method
	}
	if m.Runtime.Object == "" {
		m.Runtime.Object = rt.Object
	}
	if m.Runtime.Closure == "" {
		m.Runtime.Closure = rt.Closure
	}
	if m.Runtime.Context == "" {
		m.Runtime.Context = rt.Context
	}
	if m.Output.Dir == "" {
		m.Output.Dir = filepath.Join("build", "classes")
	}
	if m.Build.Jobs <= 0 {
		m.Build.Jobs = 4
	}
}

// FindAndLoad walks up from startDir to find a redgen.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// CodegenRuntime converts the runtime section for the code generator.
func (m *Manifest) CodegenRuntime() *codegen.Runtime {
	rt := &codegen.Runtime{
		Method:  m.Runtime.Method,
		Object:  m.Runtime.Object,
		Closure: m.Runtime.Closure,
		Context: m.Runtime.Context,
	}
	if len(m.Runtime.Classes) > 0 {
		rt.Classes = make(map[string]bool, len(m.Runtime.Classes))
		for _, c := range m.Runtime.Classes {
			rt.Classes[c] = true
		}
	}
	return rt
}

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// PlanPaths returns absolute paths for the configured plan files.
func (m *Manifest) PlanPaths() []string {
	var paths []string
	for _, p := range m.Project.Plans {
		paths = append(paths, m.resolve(p))
	}
	return paths
}

// OutputDir returns the absolute class output directory.
func (m *Manifest) OutputDir() string { return m.resolve(m.Output.Dir) }

// BundlePath returns the absolute bundle path, or "" when disabled.
func (m *Manifest) BundlePath() string { return m.resolve(m.Output.Bundle) }

// CachePath returns the absolute class cache path, or "" when disabled.
func (m *Manifest) CachePath() string { return m.resolve(m.Output.Cache) }
