package hexfile

import (
	"fmt"
	"testing"

	"github.com/chazu/flashlink/target"
)

type memStore struct {
	saved map[string]*Context
	loads int
}

func (m *memStore) Load(sha string) (*Context, error) {
	m.loads++
	return m.saved[sha], nil
}

func (m *memStore) Save(ctx *Context) error {
	m.saved[ctx.SHA] = ctx
	return nil
}

func vmExt(sha string) *target.ExtensionInfo {
	return &target.ExtensionInfo{SHA: sha, Functions: []target.FuncInfo{{Name: "f"}}}
}

func TestCacheReusesContext(t *testing.T) {
	c := NewCache(nil)
	tg := &target.CompileTarget{NativeType: target.NativeVM}
	a, err := c.SetupFor(tg, vmExt("aa"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.SetupFor(tg, vmExt("aa"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second SetupFor parsed again")
	}

	// a different target invalidates the entry
	other := &target.CompileTarget{NativeType: target.NativeVM, GC: true}
	d, err := c.SetupFor(other, vmExt("aa"))
	if err != nil {
		t.Fatal(err)
	}
	if d == a || c.Len() != 1 {
		t.Errorf("target change: reused=%v len=%d", d == a, c.Len())
	}
}

func TestCacheClearsWhenFull(t *testing.T) {
	c := NewCache(nil)
	tg := &target.CompileTarget{NativeType: target.NativeVM}
	for i := 0; i < MaxCacheEntries; i++ {
		if _, err := c.SetupFor(tg, vmExt(fmt.Sprintf("sha%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() != MaxCacheEntries {
		t.Fatalf("Len = %d", c.Len())
	}
	// a known template does not clear
	if _, err := c.SetupFor(tg, vmExt("sha3")); err != nil {
		t.Fatal(err)
	}
	if c.Len() != MaxCacheEntries {
		t.Fatalf("Len after hit = %d", c.Len())
	}
	if _, err := c.SetupFor(tg, vmExt("new")); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Errorf("Len after overflow = %d, want 1", c.Len())
	}
}

func TestCacheUsesStore(t *testing.T) {
	st := &memStore{saved: make(map[string]*Context)}
	tg := &target.CompileTarget{NativeType: target.NativeVM}

	first, err := NewCache(st).SetupFor(tg, vmExt("cafe"))
	if err != nil {
		t.Fatal(err)
	}
	if st.saved["cafe"] != first {
		t.Fatal("context not saved")
	}

	second, err := NewCache(st).SetupFor(tg, vmExt("cafe"))
	if err != nil {
		t.Fatal(err)
	}
	if second != first || st.loads != 2 {
		t.Errorf("store not consulted (loads=%d)", st.loads)
	}
}

func TestCacheSkipsEmptySHA(t *testing.T) {
	c := NewCache(nil)
	tg := &target.CompileTarget{NativeType: target.NativeVM}
	if _, err := c.SetupFor(tg, vmExt("")); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d", c.Len())
	}
}
