package btreeindex

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/dbkernel/storage-engine/pkg/buffercache"
	"github.com/dbkernel/storage-engine/pkg/catalog"
	"github.com/dbkernel/storage-engine/pkg/record"
	"github.com/dbkernel/storage-engine/pkg/slottedpage"
	"github.com/dbkernel/storage-engine/pkg/storage"
)

func newTestCatalog(t *testing.T, capacity int) (*buffercache.Cache, *catalog.Catalog) {
	t.Helper()
	cache := buffercache.New(storage.NewMemoryStorage(), capacity, buffercache.NewFIFO())
	cat, err := catalog.Open(cache, catalog.Linked)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	return cache, cat
}

func appendIntRecord(t *testing.T, cache *buffercache.Cache, cat *catalog.Catalog, table string, v int32, s string) {
	t.Helper()
	rec := record.NewBuilder().PutInt32(v).PutString(s).Bytes()
	pages, err := cat.Pages(table)
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	pageID := pages[len(pages)-1]
	raw, err := cache.GetAndPin(pageID)
	if err != nil {
		t.Fatalf("GetAndPin: %v", err)
	}
	sp, err := slottedpage.New(raw, 4)
	if err != nil {
		t.Fatalf("slottedpage.New: %v", err)
	}
	status, _ := sp.PutRecord(rec, -1)
	if status == slottedpage.OK {
		cache.Put(raw)
		cache.Unpin(pageID)
		return
	}
	cache.Unpin(pageID)
	pageID, err = cat.AddPage(table)
	if err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	raw, err = cache.GetAndPin(pageID)
	if err != nil {
		t.Fatalf("GetAndPin: %v", err)
	}
	sp, err = slottedpage.New(raw, 4)
	if err != nil {
		t.Fatalf("slottedpage.New: %v", err)
	}
	if s, _ := sp.PutRecord(rec, -1); s != slottedpage.OK {
		t.Fatalf("record too large for empty page")
	}
	cache.Put(raw)
	cache.Unpin(pageID)
}

func fizzbuzz(i int) string {
	switch {
	case i%15 == 0:
		return "fizzbuzz"
	case i%3 == 0:
		return "fizz"
	case i%5 == 0:
		return "buzz"
	default:
		return fmt.Sprintf("%d", i)
	}
}

func TestBuildAndLookupNonUniqueKeys(t *testing.T) {
	cache, cat := newTestCatalog(t, 64)
	if _, err := cat.CreateTable("nums"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	const n = 10000
	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range order {
		v := i + 1
		appendIntRecord(t, cache, cat, "nums", int32(v), fizzbuzz(v))
	}

	keyFn := func(rec []byte) []byte {
		r := record.NewReader(rec)
		r.Int32()
		s, _ := r.String()
		return []byte(s)
	}
	cmp := func(a, b []byte) int { return bytes.Compare(a, b) }

	idx, err := Build(cache, cat, "nums", keyFn, cmp, "nums_by_s")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	count := func(key string) int {
		c, err := idx.Lookup([]byte(key))
		if err != nil {
			t.Fatalf("Lookup(%q): %v", key, err)
		}
		defer c.Close()
		n := 0
		for c.Next() {
			n++
		}
		return n
	}

	wantFizzbuzz := n / 15
	if got := count("fizzbuzz"); got != wantFizzbuzz {
		t.Errorf("lookup(fizzbuzz) = %d, want %d", got, wantFizzbuzz)
	}
	wantFizz := n/3 - n/15
	if got := count("fizz"); got != wantFizz {
		t.Errorf("lookup(fizz) = %d, want %d", got, wantFizz)
	}
	wantBuzz := n/5 - n/15
	if got := count("buzz"); got != wantBuzz {
		t.Errorf("lookup(buzz) = %d, want %d", got, wantBuzz)
	}
	if got := count("aas"); got != 0 {
		t.Errorf("lookup(aas) = %d, want 0", got)
	}
	if got := count("1"); got != 1 {
		t.Errorf(`lookup("1") = %d, want 1`, got)
	}
}

func TestOpenMatchesBuild(t *testing.T) {
	cache, cat := newTestCatalog(t, 32)
	cat.CreateTable("small")
	for i := 1; i <= 50; i++ {
		appendIntRecord(t, cache, cat, "small", int32(i), fmt.Sprintf("v%d", i%7))
	}
	keyFn := func(rec []byte) []byte {
		r := record.NewReader(rec)
		r.Int32()
		s, _ := r.String()
		return []byte(s)
	}
	cmp := func(a, b []byte) int { return bytes.Compare(a, b) }

	built, err := Build(cache, cat, "small", keyFn, cmp, "small_idx")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reopened, err := Open(cache, cat, "small_idx", cmp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, key := range []string{"v0", "v1", "v6"} {
		a, err := built.Lookup([]byte(key))
		if err != nil {
			t.Fatalf("built.Lookup: %v", err)
		}
		b, err := reopened.Lookup([]byte(key))
		if err != nil {
			t.Fatalf("reopened.Lookup: %v", err)
		}
		var pagesA, pagesB []int32
		for a.Next() {
			pagesA = append(pagesA, a.PageID())
		}
		for b.Next() {
			pagesB = append(pagesB, b.PageID())
		}
		a.Close()
		b.Close()
		if len(pagesA) != len(pagesB) {
			t.Fatalf("key %q: built found %d refs, reopened found %d", key, len(pagesA), len(pagesB))
		}
	}
}

func TestLookupMissingKeyOnEmptyIndexTable(t *testing.T) {
	cache, cat := newTestCatalog(t, 16)
	cat.CreateTable("one")
	appendIntRecord(t, cache, cat, "one", 1, "only")

	keyFn := func(rec []byte) []byte {
		r := record.NewReader(rec)
		r.Int32()
		s, _ := r.String()
		return []byte(s)
	}
	cmp := func(a, b []byte) int { return bytes.Compare(a, b) }
	idx, err := Build(cache, cat, "one", keyFn, cmp, "one_idx")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c, err := idx.Lookup([]byte("nope"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	defer c.Close()
	if c.Next() {
		t.Errorf("expected no matches, got at least one")
	}
}
