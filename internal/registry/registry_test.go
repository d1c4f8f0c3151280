package registry

import (
	"testing"

	"github.com/zot/lua-include/internal/locator"
)

func TestEmptyRegistry(t *testing.T) {
	r := New()
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if r.Contains("a.lua") {
		t.Error("empty registry should not contain a.lua")
	}
	if _, ok := r.Get("a.lua"); ok {
		t.Error("Get on empty registry should miss")
	}
	if len(r.Records()) != 0 {
		t.Error("Records() should be empty")
	}
}

func TestPutAndGet(t *testing.T) {
	r := New()
	rec := NewRecord("widgets.lua", "/scripts/widgets.lua", "x = 1")
	r.Put(rec)

	if !r.Contains("widgets.lua") {
		t.Fatal("registry should contain widgets.lua")
	}
	got, ok := r.Get("widgets.lua")
	if !ok || got != rec {
		t.Fatalf("Get returned %v, %v", got, ok)
	}
	if got.Size() != 5 {
		t.Errorf("Size() = %d, want 5", got.Size())
	}
	if got.LoadedAt.IsZero() {
		t.Error("LoadedAt should be stamped")
	}
}

func TestPutOverwritesByIdentifier(t *testing.T) {
	r := New()
	r.Put(NewRecord("util.lua", "/a/util.lua", "a"))
	r.Put(NewRecord("util.lua", "/b/util.lua", "b"))

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	got, _ := r.Get("util.lua")
	if got.Locator != "/b/util.lua" || got.Source != "b" {
		t.Errorf("expected overwrite, got %+v", got)
	}
}

func TestPutNilIsIgnored(t *testing.T) {
	r := New()
	r.Put(nil)
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Put(nil)", r.Len())
	}
}

func TestRecordsSorted(t *testing.T) {
	r := New()
	for _, id := range []locator.Identifier{"c.lua", "a.lua", "b.lua"} {
		r.Put(NewRecord(id, "/"+string(id), ""))
	}
	recs := r.Records()
	want := []locator.Identifier{"a.lua", "b.lua", "c.lua"}
	for i, rec := range recs {
		if rec.Identifier != want[i] {
			t.Errorf("Records()[%d] = %q, want %q", i, rec.Identifier, want[i])
		}
	}
}
