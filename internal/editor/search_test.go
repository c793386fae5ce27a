package editor

import (
	"strings"
	"testing"

	"github.com/ensemble-ai/ensemble/internal/core"
)

func TestSearchSubstring(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "a.go", "package main\nfunc Handler() {}\n")
	writeSeed(t, dir, "sub/b.go", "// handler registry\nvar handlers map[string]int\n")
	writeSeed(t, dir, "bin.dat", "handler\x00binary")
	writeSeed(t, dir, ".hidden/c.go", "Handler")

	hits, err := mgr.Search("Handler", "", false)
	if err != nil {
		t.Fatal(err)
	}
	// Binary and hidden files are skipped; case-insensitive matches both
	// source files.
	paths := make(map[string]int)
	for _, h := range hits {
		paths[h.Path]++
	}
	if paths["a.go"] != 1 || paths["sub/b.go"] != 2 {
		t.Errorf("unexpected hits: %v", paths)
	}
	if paths["bin.dat"] != 0 {
		t.Error("binary file should be skipped")
	}

	sensitive, err := mgr.Search("Handler", "", true)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range sensitive {
		if !strings.Contains(h.Text, "Handler") {
			t.Errorf("case-sensitive hit without literal match: %q", h.Text)
		}
	}
}

func TestSearchHitCap(t *testing.T) {
	dir := t.TempDir()
	limits := DefaultLimits()
	limits.SearchMaxHits = 3
	mgr, err := NewManager(dir, limits, nil)
	if err != nil {
		t.Fatal(err)
	}
	writeSeed(t, dir, "many.txt", strings.Repeat("needle\n", 50))

	hits, err := mgr.Search("needle", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Errorf("expected hit cap of 3, got %d", len(hits))
	}
}

func TestSearchScopedToSubdir(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "top.txt", "needle")
	writeSeed(t, dir, "sub/inner.txt", "needle")

	hits, err := mgr.Search("needle", "sub", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Path != "sub/inner.txt" {
		t.Errorf("scoped search hits = %+v", hits)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Search("", "", false); !core.IsCategory(err, core.ErrCatValidation) {
		t.Errorf("empty query: %v", err)
	}
}

func TestFindFilesFuzzy(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "internal/editor/manager.go", "x")
	writeSeed(t, dir, "internal/events/bus.go", "x")
	writeSeed(t, dir, "README.md", "x")

	matches, err := mgr.FindFiles("edmgr", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("expected fuzzy matches")
	}
	if matches[0].Path != "internal/editor/manager.go" {
		t.Errorf("best match = %s", matches[0].Path)
	}

	limited, err := mgr.FindFiles("go", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit not honored: %d matches", len(limited))
	}
}
