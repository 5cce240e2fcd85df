package integration_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chazu/redgen/bundle"
	"github.com/chazu/redgen/classfile"
	"github.com/chazu/redgen/codegen"
	"github.com/chazu/redgen/driver"
	"github.com/chazu/redgen/manifest"
	"github.com/chazu/redgen/plan"
)

// ---------------------------------------------------------------------------
// Integration test helpers
// ---------------------------------------------------------------------------

// buildDemo compiles the example project end to end.
func buildDemo(t *testing.T) (*manifest.Manifest, *driver.Result) {
	t.Helper()
	m, err := manifest.Load(filepath.Join("..", "..", "examples", "demo"))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	pkg, err := manifest.PackagePath(m.Project.Namespace)
	if err != nil {
		t.Fatal(err)
	}
	files, err := plan.LoadAll(m.PlanPaths())
	if err != nil {
		t.Fatalf("load plans: %v", err)
	}
	var roots []*codegen.Unit
	for _, f := range files {
		units, err := f.Units(pkg)
		if err != nil {
			t.Fatalf("%s: %v", f.Path, err)
		}
		roots = append(roots, units...)
	}

	res, err := driver.New(driver.Options{Runtime: m.CodegenRuntime(), Jobs: m.Build.Jobs}).
		Run(context.Background(), roots)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return m, res
}

func parse(t *testing.T, c *codegen.Class) *classfile.ClassInfo {
	t.Helper()
	info, err := classfile.Parse(c.Bytes)
	if err != nil {
		t.Fatalf("%s: %v", c.InternalName(), err)
	}
	return info
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDemoProjectClasses(t *testing.T) {
	_, res := buildDemo(t)

	want := map[string]codegen.Kind{
		"demo/shapes/CircleArea":               codegen.TopLevelMethod,
		"demo/shapes/CircleArea$block0":        codegen.MethodBlock,
		"demo/shapes/CircleScaleBy":            codegen.TopLevelMethod,
		"demo/shapes/ShapesDescribe":           codegen.TopLevelMethod,
		"demo/shapes/ShapesEach":               codegen.TopLevelMethod,
		"demo/shapes/ShapesEach$block0":        codegen.MethodBlock,
		"demo/shapes/ShapesEach$block0$block1": codegen.NestedBlock,
	}
	if len(res.Classes) != len(want) {
		t.Fatalf("got %d classes, want %d", len(res.Classes), len(want))
	}

	for _, c := range res.Classes {
		kind, ok := want[c.InternalName()]
		if !ok {
			t.Errorf("unexpected class %s", c.InternalName())
			continue
		}
		if c.Kind != kind {
			t.Errorf("%s: kind %s, want %s", c.InternalName(), c.Kind, kind)
		}

		info := parse(t, c)
		if info.Major != classfile.MajorVersion {
			t.Errorf("%s: version %d", info.Name, info.Major)
		}
		if info.Name != c.InternalName() || info.SuperName != c.Superclass {
			t.Errorf("%s: header %s extends %s", c.InternalName(), info.Name, info.SuperName)
		}

		wantSuper := "st/redline/PrimObject"
		if kind == codegen.NestedBlock {
			wantSuper = "st/redline/PrimObjectBlock"
		}
		if info.SuperName != wantSuper {
			t.Errorf("%s extends %s, want %s", info.Name, info.SuperName, wantSuper)
		}

		invoke := info.Method(codegen.InvokeName)
		if invoke == nil || invoke.Access != classfile.AccProtected {
			t.Errorf("%s: invoke missing or not protected", info.Name)
		}
		dispatch := info.Method(codegen.SendMessagesName)
		if (dispatch != nil) != (kind == codegen.TopLevelMethod) {
			t.Errorf("%s: dispatch entry present = %v", info.Name, dispatch != nil)
		}
		if dispatch != nil && dispatch.Access != classfile.AccPublic {
			t.Errorf("%s: dispatch entry not public", info.Name)
		}

		// Receiver first in every entry method.
		for _, name := range c.Entries {
			m := info.Method(name)
			if m == nil || len(m.Code) == 0 || classfile.Opcode(m.Code[0]) != classfile.OpAload1 {
				t.Errorf("%s.%s does not start by loading the receiver", info.Name, name)
			}
		}
	}
}

func TestDemoProjectRegistryAndImports(t *testing.T) {
	_, res := buildDemo(t)

	s := res.Packages.Stats("demo/shapes")
	if s.Active != 0 || s.Removed != s.Created || s.Created == 0 {
		t.Errorf("registry stats = %+v", s)
	}
	imports := res.Imports.Classes("demo/shapes")
	if len(imports) != 4 {
		t.Errorf("imports = %v", imports)
	}
	for _, name := range imports {
		if filepath.Base(name) == "ShapesEach$block0" {
			t.Errorf("block %s recorded in imports", name)
		}
	}
}

func TestDemoProjectBundle(t *testing.T) {
	_, res := buildDemo(t)

	path := filepath.Join(t.TempDir(), "shapes.cbor")
	if err := bundle.WriteFile(path, res.Bundle()); err != nil {
		t.Fatal(err)
	}
	b, err := bundle.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if b.RunID != res.RunID {
		t.Errorf("run ID = %q, want %q", b.RunID, res.RunID)
	}
	p := b.Package("demo/shapes")
	if p == nil || len(p.Classes) != 7 || len(p.Imports) != 4 {
		t.Fatalf("package = %+v", p)
	}
	each := p.Class("ShapesEach$block0$block1")
	if each == nil || each.Superclass != "st/redline/PrimObjectBlock" {
		t.Errorf("nested block = %+v", each)
	}
}

func TestDemoProjectDeterministic(t *testing.T) {
	_, a := buildDemo(t)
	_, b := buildDemo(t)
	for i := range a.Classes {
		if a.Classes[i].Hash() != b.Classes[i].Hash() {
			t.Errorf("%s differs between runs", a.Classes[i].InternalName())
		}
	}
}
