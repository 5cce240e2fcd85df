package codegen

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/redgen/classfile"
	"github.com/chazu/redgen/registry"
)

const (
	primObject  = "st/redline/PrimObject"
	primBlock   = "st/redline/PrimObjectBlock"
	primContext = "st/redline/PrimContext"
)

func newEnv() Env {
	return Env{
		Runtime:  DefaultRuntime(),
		Packages: registry.NewPackages(),
		Imports:  registry.NewImports(),
	}
}

// fooTree builds the method foo whose body is one block holding one nested
// block literal.
func fooTree() (foo, body, inner *Unit) {
	foo = NewMethod("st/demo", "Foo", "foo")
	body = foo.AddMethodBlock()
	inner = body.AddBlock()
	return
}

func disasm(t *testing.T, c *Class, method string) []string {
	t.Helper()
	info, err := classfile.Parse(c.Bytes)
	if err != nil {
		t.Fatalf("parse %s: %v", c.Name, err)
	}
	m := info.Method(method)
	if m == nil {
		t.Fatalf("%s has no method %s", c.Name, method)
	}
	insns, err := info.Decode(m.Code)
	if err != nil {
		t.Fatalf("decode %s.%s: %v", c.Name, method, err)
	}
	out := make([]string, len(insns))
	for i, in := range insns {
		out[i] = strings.TrimSpace(in.Op.String() + " " + in.Operand)
	}
	return out
}

func TestExampleScenario(t *testing.T) {
	env := newEnv()
	foo, body, inner := fooTree()

	if body.Name != "Foo$block0" || inner.Name != "Foo$block0$block1" {
		t.Fatalf("names = %s, %s", body.Name, inner.Name)
	}

	var touched []string
	for _, u := range []*Unit{foo, body, inner} {
		before := env.Packages.Stats("st/demo")
		if _, err := Compile(u, env); err != nil {
			t.Fatalf("compile %s: %v", u.Name, err)
		}
		if env.Packages.Stats("st/demo") != before {
			touched = append(touched, u.Name)
		}
	}
	if !reflect.DeepEqual(touched, []string{"Foo"}) {
		t.Errorf("units touching the registry = %v, want [Foo]", touched)
	}
	if got := env.Imports.Classes("st/demo"); !reflect.DeepEqual(got, []string{"st/demo/Foo"}) {
		t.Errorf("imports = %v", got)
	}
}

func TestSuperclassDeterminism(t *testing.T) {
	cases := []struct {
		kind Kind
		want Role
	}{
		{TopLevelMethod, RoleMethod},
		{MethodBlock, RoleObject},
		{NestedBlock, RoleClosure},
	}
	for _, tc := range cases {
		for i := 0; i < 3; i++ {
			got, err := Superclass(tc.kind)
			if err != nil {
				t.Fatalf("%s: %v", tc.kind, err)
			}
			if got != tc.want {
				t.Errorf("Superclass(%s) = %s, want %s", tc.kind, got, tc.want)
			}
		}
	}
	if _, err := Superclass(KindInvalid); !errors.Is(err, ErrInvalidUnitKind) {
		t.Errorf("invalid kind: %v", err)
	}
}

func TestGeneratedSuperclasses(t *testing.T) {
	env := newEnv()
	foo, body, inner := fooTree()
	want := map[*Unit]string{foo: primObject, body: primObject, inner: primBlock}
	for u, super := range want {
		c, err := Compile(u, env)
		if err != nil {
			t.Fatalf("compile %s: %v", u.Name, err)
		}
		info, err := classfile.Parse(c.Bytes)
		if err != nil {
			t.Fatal(err)
		}
		if info.SuperName != super || c.Superclass != super {
			t.Errorf("%s extends %s (class says %s), want %s", u.Name, info.SuperName, c.Superclass, super)
		}
		if info.Name != u.InternalName() {
			t.Errorf("class name = %s, want %s", info.Name, u.InternalName())
		}
	}
}

func TestBlocksLeaveRegistryUntouched(t *testing.T) {
	env := newEnv()
	// Hold a registration as the enclosing method would.
	env.Packages.Register("st/demo")
	_, body, inner := fooTree()

	before := env.Packages.Snapshot()
	beforeStats := env.Packages.Stats("st/demo")
	for _, u := range []*Unit{body, inner} {
		if _, err := Compile(u, env); err != nil {
			t.Fatalf("compile %s: %v", u.Name, err)
		}
	}
	if !reflect.DeepEqual(before, env.Packages.Snapshot()) {
		t.Errorf("registry changed: %v -> %v", before, env.Packages.Snapshot())
	}
	if env.Packages.Stats("st/demo") != beforeStats {
		t.Error("registry stats changed")
	}
	if env.Imports.Len() != 0 {
		t.Errorf("blocks recorded %d imports", env.Imports.Len())
	}
}

func TestBlockWritersNeedNoRegistry(t *testing.T) {
	_, body, inner := fooTree()
	for _, u := range []*Unit{body, inner} {
		if _, err := Compile(u, Env{}); err != nil {
			t.Errorf("compile %s without registry: %v", u.Name, err)
		}
	}
	foo := NewMethod("st/demo", "Foo", "foo")
	if _, err := Compile(foo, Env{}); err == nil {
		t.Error("method compiled without a registry")
	}
}

func TestReceiverFirst(t *testing.T) {
	env := newEnv()
	foo, body, inner := fooTree()
	foo.Selector = "at:put:"
	foo.Send(Global("Transcript"), "show:", StringLit("x"))
	body.Send(Temp(0), "value")
	inner.Send(Arg(0), "+", IntLit(1))

	for _, u := range []*Unit{foo, body, inner} {
		c, err := Compile(u, env)
		if err != nil {
			t.Fatalf("compile %s: %v", u.Name, err)
		}
		for _, entry := range c.Entries {
			code := disasm(t, c, entry)
			if code[0] != "aload_1" {
				t.Errorf("%s.%s starts with %s", u.Name, entry, code[0])
			}
		}
	}
}

func TestEntryShape(t *testing.T) {
	env := newEnv()
	foo, body, inner := fooTree()
	foo.Selector = "with:with:"

	invokeDesc := "(L" + primObject + ";L" + primContext + ";)L" + primObject + ";"
	for _, u := range []*Unit{foo, body, inner} {
		c, err := Compile(u, env)
		if err != nil {
			t.Fatalf("compile %s: %v", u.Name, err)
		}
		info, err := classfile.Parse(c.Bytes)
		if err != nil {
			t.Fatal(err)
		}
		inv := info.Method(InvokeName)
		if inv == nil {
			t.Fatalf("%s has no invoke", u.Name)
		}
		if inv.Descriptor != invokeDesc {
			t.Errorf("%s invoke desc = %s", u.Name, inv.Descriptor)
		}
		if inv.Access != classfile.AccProtected {
			t.Errorf("%s invoke access = 0x%x", u.Name, inv.Access)
		}

		send := info.Method(SendMessagesName)
		if u.Kind == TopLevelMethod {
			if send == nil {
				t.Fatalf("%s lacks %s", u.Name, SendMessagesName)
			}
			want := "(L" + primObject + ";L" + primObject + ";L" + primObject + ";)L" + primObject + ";"
			if send.Descriptor != want {
				t.Errorf("sendMessages desc = %s, want %s", send.Descriptor, want)
			}
			if send.Access != classfile.AccPublic {
				t.Errorf("sendMessages access = 0x%x", send.Access)
			}
			if !reflect.DeepEqual(c.Entries, []string{SendMessagesName, InvokeName}) {
				t.Errorf("entries = %v", c.Entries)
			}
		} else {
			if send != nil {
				t.Errorf("block %s exposes %s", u.Name, SendMessagesName)
			}
			if !reflect.DeepEqual(c.Entries, []string{InvokeName}) {
				t.Errorf("entries = %v", c.Entries)
			}
		}
	}
}

func TestSendMessagesDelegatesToInvoke(t *testing.T) {
	env := newEnv()
	foo := NewMethod("st/demo", "Foo", "at:put:")
	c, err := Compile(foo, env)
	if err != nil {
		t.Fatal(err)
	}
	ctxInit := primContext + ".<init>:(L" + primObject + ";)V"
	argPut := primContext + ".argumentAtPut:(IL" + primObject + ";)V"
	want := []string{
		"aload_1",
		"new " + primContext,
		"dup",
		"aload_1",
		"invokespecial " + ctxInit,
		"dup", "iconst_0", "aload_2", "invokevirtual " + argPut,
		"dup", "iconst_1", "aload_3", "invokevirtual " + argPut,
		"aload_0",
		"dup_x2",
		"pop",
		"invokevirtual st/demo/Foo.invoke:(L" + primObject + ";L" + primContext + ";)L" + primObject + ";",
		"areturn",
	}
	if got := disasm(t, c, SendMessagesName); !reflect.DeepEqual(got, want) {
		t.Errorf("sendMessages:\n got %q\nwant %q", got, want)
	}

	info, _ := classfile.Parse(c.Bytes)
	m := info.Method(SendMessagesName)
	if m.MaxStack != 5 || m.MaxLocals != 4 {
		t.Errorf("stack=%d locals=%d, want 5 and 4", m.MaxStack, m.MaxLocals)
	}
}

func TestLowering(t *testing.T) {
	env := newEnv()
	foo := NewMethod("st/demo", "Foo", "foo")
	foo.Send(Global("Transcript"), "show:", StringLit("hi")).
		Send(Previous, "cr")

	c, err := Compile(foo, env)
	if err != nil {
		t.Fatal(err)
	}
	perform1 := primObject + ".perform:(L" + primObject + ";Ljava/lang/String;)L" + primObject + ";"
	perform0 := primObject + ".perform:(Ljava/lang/String;)L" + primObject + ";"
	want := []string{
		"aload_1",
		"pop",
		"aload_1",
		`ldc "Transcript"`,
		"invokevirtual " + primObject + ".resolveObject:(Ljava/lang/String;)L" + primObject + ";",
		`ldc "hi"`,
		"invokestatic " + primObject + ".string:(Ljava/lang/String;)L" + primObject + ";",
		`ldc "show:"`,
		"invokevirtual " + perform1,
		`ldc "cr"`,
		"invokevirtual " + perform0,
		"areturn",
	}
	if got := disasm(t, c, InvokeName); !reflect.DeepEqual(got, want) {
		t.Errorf("invoke:\n got %q\nwant %q", got, want)
	}
}

func TestLoweringOperands(t *testing.T) {
	_, body, inner := fooTree()
	body.Send(Self, "with:with:with:", NilLit, TrueLit, FalseLit).
		Send(Context, "at:", SymbolLit("key")).
		Send(BlockRef(inner.Name), "value:", IntLit(1000))

	c, err := Compile(body, Env{})
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(disasm(t, c, InvokeName), "\n")
	for _, frag := range []string{
		"getstatic " + primObject + ".NIL:L" + primObject + ";",
		"getstatic " + primObject + ".TRUE:L" + primObject + ";",
		"getstatic " + primObject + ".FALSE:L" + primObject + ";",
		"aload_2",
		"invokestatic " + primObject + ".symbol:(Ljava/lang/String;)L" + primObject + ";",
		"new st/demo/Foo$block0$block1",
		"invokespecial st/demo/Foo$block0$block1.<init>:(L" + primContext + ";)V",
		"sipush 1000",
	} {
		if !strings.Contains(got, frag) {
			t.Errorf("invoke lacks %q\n%s", frag, got)
		}
	}
}

func TestNestedBlockConstructorTakesContext(t *testing.T) {
	_, body, inner := fooTree()
	bc, err := Compile(body, Env{})
	if err != nil {
		t.Fatal(err)
	}
	ic, err := Compile(inner, Env{})
	if err != nil {
		t.Fatal(err)
	}
	bi, _ := classfile.Parse(bc.Bytes)
	ii, _ := classfile.Parse(ic.Bytes)
	if m := bi.Method("<init>"); m == nil || m.Descriptor != "()V" {
		t.Errorf("method block constructor = %+v", m)
	}
	if m := ii.Method("<init>"); m == nil || m.Descriptor != "(L"+primContext+";)V" {
		t.Errorf("nested block constructor = %+v", m)
	}
	want := []string{"aload_0", "aload_1", "invokespecial " + primBlock + ".<init>:(L" + primContext + ";)V", "return"}
	if got := disasm(t, ic, "<init>"); !reflect.DeepEqual(got, want) {
		t.Errorf("nested <init> = %q", got)
	}
}

func TestConcurrentMethodsSharePackage(t *testing.T) {
	const n = 16
	env := newEnv()

	// Barrier inside the registration bracket: nobody deregisters until
	// every unit has registered.
	var inside sync.WaitGroup
	inside.Add(n)
	env.Trace = func(s Step, u *Unit) {
		if s == StepEmitSends {
			inside.Done()
			inside.Wait()
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		u := NewMethod("st/shared", fmt.Sprintf("M%d", i), "run")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Compile(u, env); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	s := env.Packages.Stats("st/shared")
	if s.Created != 1 || s.Removed != 1 || s.Active != 0 {
		t.Errorf("stats = %+v, want one creation and one removal", s)
	}
	if env.Imports.Len() != n {
		t.Errorf("imports = %d, want %d", env.Imports.Len(), n)
	}
}

func TestCompileTwice(t *testing.T) {
	for _, u := range []*Unit{NewMethod("st/demo", "Foo", "foo"), func() *Unit { _, b, _ := fooTree(); return b }()} {
		env := newEnv()
		w, err := NewWriter(u, env)
		if err != nil {
			t.Fatal(err)
		}
		first, err := w.Compile()
		if err != nil {
			t.Fatal(err)
		}
		snap := env.Packages.Snapshot()
		second, err := w.Compile()
		if !errors.Is(err, ErrDuplicateEntry) {
			t.Errorf("%s: second compile = %v, want DuplicateEntry", u.Name, err)
		}
		if second != nil {
			t.Errorf("%s: second compile returned a class", u.Name)
		}
		if w.Class() != first || w.State() != StateSealed {
			t.Errorf("%s: writer state changed after rejected compile", u.Name)
		}
		if !reflect.DeepEqual(snap, env.Packages.Snapshot()) {
			t.Errorf("%s: rejected compile touched the registry", u.Name)
		}
	}
}

func TestOpenEntryTwice(t *testing.T) {
	_, _, inner := fooTree()
	w, err := NewBlockWriter(inner, Env{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.resolveSuperclass(); err != nil {
		t.Fatal(err)
	}
	if err := w.openHeader(); err != nil {
		t.Fatal(err)
	}
	if err := w.strategy.openEntryMethod(w); err != nil {
		t.Fatal(err)
	}
	err = w.strategy.openEntryMethod(w)
	if KindOf(err) != DuplicateEntry {
		t.Errorf("second open = %v, want DuplicateEntry", err)
	}
}

func TestMethodOpenEntryOutOfOrder(t *testing.T) {
	env := newEnv()
	w, err := NewMethodWriter(NewMethod("st/demo", "Foo", "foo"), env)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.strategy.openEntryMethod(w); !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("open before header = %v, want DuplicateEntry", err)
	}
}

func TestInvalidUnits(t *testing.T) {
	foo, body, _ := fooTree()
	orphan := &Unit{Name: "Orphan", Package: "st/demo", Kind: NestedBlock}
	rooted := &Unit{Name: "Rooted", Package: "st/demo", Kind: TopLevelMethod, Enclosing: foo, Selector: "x"}
	bogus := &Unit{Name: "Bogus", Kind: Kind(42)}
	deepMethodBlock := &Unit{Name: "Deep", Package: "st/demo", Kind: MethodBlock, Enclosing: body}
	otherPkg := &Unit{Name: "Other", Package: "st/else", Kind: NestedBlock, Enclosing: foo}
	badSel := NewMethod("st/demo", "Bad", "at:put")

	for _, u := range []*Unit{orphan, rooted, bogus, deepMethodBlock, otherPkg, badSel, nil} {
		_, err := Compile(u, newEnv())
		if !errors.Is(err, ErrInvalidUnitKind) {
			t.Errorf("%v: err = %v, want InvalidUnitKind", u, err)
		}
	}

	if _, err := NewBlockWriter(foo, newEnv()); !errors.Is(err, ErrInvalidUnitKind) {
		t.Errorf("block writer for method: %v", err)
	}
	if _, err := NewMethodWriter(body, newEnv()); !errors.Is(err, ErrInvalidUnitKind) {
		t.Errorf("method writer for block: %v", err)
	}
}

func TestSecondMethodBlockRejected(t *testing.T) {
	foo, body, _ := fooTree()
	extra := foo.AddMethodBlock()

	for _, u := range []*Unit{foo, body, extra} {
		if _, err := Compile(u, newEnv()); !errors.Is(err, ErrInvalidUnitKind) {
			t.Errorf("%s: err = %v, want InvalidUnitKind", u.Name, err)
		}
	}

	// Nested blocks beside the method block are fine.
	foo, _, _ = fooTree()
	foo.AddBlock()
	if err := foo.Validate(); err != nil {
		t.Errorf("method with a nested block: %v", err)
	}
}

func TestUnresolvedSuperclass(t *testing.T) {
	env := newEnv()
	env.Runtime = &Runtime{
		Method:  primObject,
		Object:  primObject,
		Context: primContext,
		Classes: map[string]bool{primObject: true, primContext: true},
	}
	foo, body, inner := fooTree()
	for _, u := range []*Unit{foo, body} {
		if _, err := Compile(u, env); err != nil {
			t.Errorf("%s: %v", u.Name, err)
		}
	}
	_, err := Compile(inner, env)
	if !errors.Is(err, ErrUnresolvedSuperclass) {
		t.Fatalf("nested block err = %v, want UnresolvedSuperclass", err)
	}

	env.Runtime.Closure = "st/redline/Missing"
	_, err = Compile(inner, env)
	if KindOf(err) != UnresolvedSuperclass {
		t.Errorf("missing catalog entry err = %v", err)
	}
}

func TestFailedMethodReleasesPackage(t *testing.T) {
	env := newEnv()
	foo := NewMethod("st/demo", "Foo", "foo")
	foo.Send(Self, "at:", IntLit(1), IntLit(2))

	w, err := NewWriter(foo, env)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Compile(); !errors.Is(err, ErrInvalidSend) {
		t.Fatalf("err = %v, want InvalidSend", err)
	}
	if env.Packages.Registered("st/demo") {
		t.Error("failed unit leaked its package registration")
	}
	if w.State() != StateFailed {
		t.Errorf("state = %s, want failed", w.State())
	}
	if _, err := w.Compile(); !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("compile after failure = %v", err)
	}
}

func TestInvalidSends(t *testing.T) {
	cases := map[string]Send{
		"arity":          {Receiver: Self, Selector: "at:put:", Args: []Operand{IntLit(1)}},
		"prev argument":  {Receiver: Self, Selector: "+", Args: []Operand{Previous}},
		"unknown block":  {Receiver: BlockRef("Nope"), Selector: "value"},
		"bad selector":   {Receiver: Self, Selector: "a:b"},
		"negative index": {Receiver: Temp(-1), Selector: "value"},
		"index too big":  {Receiver: Arg(math.MaxInt32 + 1), Selector: "value"},
	}
	for name, s := range cases {
		_, body, _ := fooTree()
		body.Sends = []Send{s}
		if _, err := Compile(body, Env{}); !errors.Is(err, ErrInvalidSend) {
			t.Errorf("%s: err = %v, want InvalidSend", name, err)
		}
	}

	// A method block is the method, not a block value.
	foo, body, _ := fooTree()
	foo.Send(BlockRef(body.Name), "value")
	if _, err := Compile(foo, newEnv()); !errors.Is(err, ErrInvalidSend) {
		t.Errorf("method block as value: %v", err)
	}
}

func TestTraceOrder(t *testing.T) {
	env := newEnv()
	var steps []Step
	env.Trace = func(s Step, _ *Unit) { steps = append(steps, s) }
	if _, err := Compile(NewMethod("st/demo", "Foo", "foo"), env); err != nil {
		t.Fatal(err)
	}
	want := []Step{
		StepResolveSuperclass, StepOpenHeader, StepAddImports, StepRegisterPackage,
		StepOpenEntry, StepEmitSends, StepCloseEntry, StepDeregisterPackage, StepSeal,
	}
	if !reflect.DeepEqual(steps, want) {
		t.Errorf("steps = %v", steps)
	}
}

func TestRegisteredDuringEntry(t *testing.T) {
	env := newEnv()
	seen := map[Step]bool{}
	env.Trace = func(s Step, u *Unit) {
		seen[s] = env.Packages.Registered(u.Package)
	}
	if _, err := Compile(NewMethod("st/demo", "Foo", "foo"), env); err != nil {
		t.Fatal(err)
	}
	for _, s := range []Step{StepOpenEntry, StepEmitSends, StepCloseEntry, StepDeregisterPackage} {
		if !seen[s] {
			t.Errorf("package not registered at %s", s)
		}
	}
	for _, s := range []Step{StepResolveSuperclass, StepOpenHeader, StepAddImports, StepRegisterPackage, StepSeal} {
		if seen[s] {
			t.Errorf("package registered at %s", s)
		}
	}
}

func TestClassHashStable(t *testing.T) {
	build := func() *Class {
		foo := NewMethod("st/demo", "Foo", "foo")
		foo.Send(Global("Transcript"), "show:", StringLit("x"))
		c, err := Compile(foo, newEnv())
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	if build().Hash() != build().Hash() {
		t.Error("identical units produced different bytes")
	}
}
