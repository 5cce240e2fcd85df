// redgen compiles unit plans into class files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/redgen/bundle"
	"github.com/chazu/redgen/classfile"
	"github.com/chazu/redgen/codegen"
	"github.com/chazu/redgen/driver"
	"github.com/chazu/redgen/manifest"
	"github.com/chazu/redgen/plan"
	"github.com/chazu/redgen/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	verbose int
	outDir  string
	bundle  string
	cache   string
	jobs    int
	dump    bool
	dir     string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("redgen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	verbose := fs.Bool("v", false, "Verbose output")
	fs.IntVar(&opts.verbose, "verbosity", 0, "Log verbosity (overrides -v)")
	fs.StringVar(&opts.outDir, "o", "", "Class output directory (default from redgen.toml)")
	fs.StringVar(&opts.bundle, "bundle", "", "Write a CBOR bundle to this file")
	fs.StringVar(&opts.cache, "cache", "", "SQLite class cache")
	fs.IntVar(&opts.jobs, "j", 0, "Concurrent writers")
	fs.BoolVar(&opts.dump, "dump", false, "Print a disassembly of every generated class")
	fs.StringVar(&opts.dir, "C", ".", "Project directory")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: redgen [options] [plan.toml|dir ...]\n\n")
		fmt.Fprintf(stderr, "Compiles unit plans into class files. Plans default to those listed in redgen.toml.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  redgen plans/                  # Compile every plan in plans/\n")
		fmt.Fprintf(stderr, "  redgen -dump foo.toml          # Show the generated code\n")
		fmt.Fprintf(stderr, "  redgen -bundle out.cbor -j 8   # Bundle the project's plans\n")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *verbose && opts.verbose == 0 {
		opts.verbose = 2
	}

	m, err := manifest.FindAndLoad(opts.dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if m == nil {
		m = manifest.Default(opts.dir)
	}
	applyFlags(m, &opts)
	commonlog.Configure(m.Build.Verbosity, nil)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = m.PlanPaths()
	}
	if len(paths) == 0 {
		fs.Usage()
		return 2
	}

	defaultPkg, err := manifest.PackagePath(m.Project.Namespace)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	roots, err := loadUnits(paths, defaultPkg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	d := driver.New(driver.Options{
		Runtime: m.CodegenRuntime(),
		Jobs:    m.Build.Jobs,
	})
	res, runErr := d.Run(ctx, roots)
	if runErr != nil {
		reportErrors(stderr, runErr)
	}

	if opts.dump {
		if err := dump(stdout, res.Classes); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if err := emit(m, res); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if opts.verbose > 0 {
		fmt.Fprintf(stdout, "Compiled %d classes (run %s)\n", len(res.Classes), res.RunID)
	}
	if runErr != nil {
		return 1
	}
	return 0
}

// applyFlags lets explicit flags override the manifest. Paths given on the
// command line are relative to the working directory, not the manifest.
func applyFlags(m *manifest.Manifest, opts *options) {
	if opts.verbose > 0 {
		m.Build.Verbosity = opts.verbose
	}
	if opts.jobs > 0 {
		m.Build.Jobs = opts.jobs
	}
	if opts.outDir != "" {
		m.Output.Dir = absPath(opts.outDir)
	}
	if opts.bundle != "" {
		m.Output.Bundle = absPath(opts.bundle)
	}
	if opts.cache != "" {
		m.Output.Cache = absPath(opts.cache)
	}
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func loadUnits(paths []string, defaultPkg string) ([]*codegen.Unit, error) {
	files, err := plan.LoadAll(paths)
	if err != nil {
		return nil, err
	}
	var roots []*codegen.Unit
	for _, f := range files {
		units, err := f.Units(defaultPkg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
		roots = append(roots, units...)
	}
	return roots, nil
}

func emit(m *manifest.Manifest, res *driver.Result) error {
	var cache *store.Cache
	if path := m.CachePath(); path != "" {
		var err error
		if cache, err = store.Open(path); err != nil {
			return err
		}
		defer cache.Close()
	}
	if _, err := res.WriteTree(m.OutputDir(), cache); err != nil {
		return err
	}
	if path := m.BundlePath(); path != "" {
		if err := bundle.WriteFile(path, res.Bundle()); err != nil {
			return err
		}
	}
	return nil
}

func dump(w io.Writer, classes []*codegen.Class) error {
	for _, c := range classes {
		info, err := classfile.Parse(c.Bytes)
		if err != nil {
			return fmt.Errorf("%s: %w", c.InternalName(), err)
		}
		text, err := info.Disassemble()
		if err != nil {
			return fmt.Errorf("%s: %w", c.InternalName(), err)
		}
		fmt.Fprintf(w, "// %s (%s)\n%s\n", c.InternalName(), c.Kind, text)
	}
	return nil
}

func reportErrors(w io.Writer, err error) {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			fmt.Fprintf(w, "Error: %v\n", e)
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}
