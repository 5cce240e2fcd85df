package registry

import (
	"errors"
	"sync"
	"testing"
)

func TestRegisterDeregister(t *testing.T) {
	p := NewPackages()

	created, err := p.Register("st/demo")
	if err != nil || !created {
		t.Fatalf("first register = %v, %v; want created", created, err)
	}
	created, err = p.Register("st/demo")
	if err != nil || created {
		t.Fatalf("second register = %v, %v; want not created", created, err)
	}
	if n := p.Count("st/demo"); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	removed, err := p.Deregister("st/demo")
	if err != nil || removed {
		t.Fatalf("first deregister = %v, %v; want kept", removed, err)
	}
	removed, err = p.Deregister("st/demo")
	if err != nil || !removed {
		t.Fatalf("second deregister = %v, %v; want removed", removed, err)
	}
	if p.Registered("st/demo") {
		t.Error("entry still present")
	}

	s := p.Stats("st/demo")
	if s.Created != 1 || s.Removed != 1 || s.Active != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDeregisterUnderflowPoisons(t *testing.T) {
	p := NewPackages()
	if _, err := p.Deregister("st/ghost"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("deregister unknown = %v, want ErrCorrupt", err)
	}
	if p.Poisoned("st/ghost") == nil {
		t.Error("package not poisoned")
	}
	if _, err := p.Register("st/ghost"); !errors.Is(err, ErrPoisoned) {
		t.Errorf("register poisoned = %v, want ErrPoisoned", err)
	}
	if p.Poisoned("st/other") != nil {
		t.Error("unrelated package poisoned")
	}
}

func TestExpectKeepsEntryAcrossUnits(t *testing.T) {
	p := NewPackages()
	p.Expect("st/demo", 3)

	for i := 0; i < 3; i++ {
		created, err := p.Register("st/demo")
		if err != nil {
			t.Fatal(err)
		}
		if created != (i == 0) {
			t.Errorf("unit %d: created = %v", i, created)
		}
		removed, err := p.Deregister("st/demo")
		if err != nil {
			t.Fatal(err)
		}
		if removed != (i == 2) {
			t.Errorf("unit %d: removed = %v", i, removed)
		}
		if i < 2 && !p.Registered("st/demo") {
			t.Errorf("unit %d: entry dropped before the last unit", i)
		}
	}

	s := p.Stats("st/demo")
	if s.Created != 1 || s.Removed != 1 || s.Active != 0 {
		t.Errorf("stats = %+v", s)
	}
	if p.Settle("st/demo") {
		t.Error("settle removed an entry that was already gone")
	}
}

func TestSettleReleasesUnfinishedExpectation(t *testing.T) {
	p := NewPackages()
	p.Expect("st/demo", 2)
	p.Register("st/demo")
	p.Deregister("st/demo")
	if !p.Registered("st/demo") {
		t.Fatal("entry dropped while a unit is still expected")
	}
	if !p.Settle("st/demo") {
		t.Error("settle did not remove the idle entry")
	}
	if p.Registered("st/demo") {
		t.Error("entry still present")
	}

	// A held entry still rejects a release nobody took.
	p.Expect("st/held", 2)
	p.Register("st/held")
	p.Deregister("st/held")
	if _, err := p.Deregister("st/held"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("underflow = %v, want ErrCorrupt", err)
	}
	p.Settle("st/held")
	if s := p.Stats("st/held"); s.Created != 1 || s.Removed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestConcurrentRefCount(t *testing.T) {
	p := NewPackages()
	const n = 64

	// Everyone registers before anyone deregisters.
	var registered, release sync.WaitGroup
	registered.Add(n)
	release.Add(1)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Register("st/shared"); err != nil {
				t.Error(err)
			}
			registered.Done()
			release.Wait()
			if _, err := p.Deregister("st/shared"); err != nil {
				t.Error(err)
			}
		}()
	}
	registered.Wait()
	if c := p.Count("st/shared"); c != n {
		t.Errorf("count at peak = %d, want %d", c, n)
	}
	release.Done()
	wg.Wait()

	s := p.Stats("st/shared")
	if s.Created != 1 || s.Removed != 1 {
		t.Errorf("stats = %+v, want created=1 removed=1", s)
	}
	if len(p.Active()) != 0 {
		t.Errorf("active = %v", p.Active())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	p := NewPackages()
	p.Register("a")
	snap := p.Snapshot()
	snap["a"] = 99
	if p.Count("a") != 1 {
		t.Error("snapshot aliases registry state")
	}
}

func TestImports(t *testing.T) {
	im := NewImports()
	if !im.Add("st/demo", "st/demo/Foo") {
		t.Error("first add not new")
	}
	if im.Add("st/demo", "st/demo/Foo") {
		t.Error("duplicate add reported new")
	}
	im.Add("st/demo", "st/demo/Bar")
	im.Add("st/other", "st/other/Baz")

	got := im.Classes("st/demo")
	if len(got) != 2 || got[0] != "st/demo/Bar" || got[1] != "st/demo/Foo" {
		t.Errorf("classes = %v", got)
	}
	if pk := im.Packages(); len(pk) != 2 {
		t.Errorf("packages = %v", pk)
	}
	if im.Len() != 3 {
		t.Errorf("len = %d, want 3", im.Len())
	}
}
