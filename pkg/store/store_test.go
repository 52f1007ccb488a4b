package store

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type item struct {
	id  string
	val string
}

func itemID(i item) string { return i.id }

func TestPutGetDelete(t *testing.T) {
	c := NewCollection(itemID)

	data := []item{
		{"a", "alpha"},
		{"b", "beta"},
		{"c", "gamma"},
	}
	for _, it := range data {
		if replaced := c.Put(it); replaced {
			t.Fatalf("Put(%q) reported replace on first insert", it.id)
		}
	}

	if got := c.Len(); got != len(data) {
		t.Fatalf("Len = %d, want %d", got, len(data))
	}

	for _, it := range data {
		got, ok := c.Get(it.id)
		if !ok {
			t.Fatalf("Get(%q) !ok", it.id)
		}
		if got != it {
			t.Fatalf("Get(%q) = %+v, want %+v", it.id, got, it)
		}
	}

	if ok := c.Delete("b"); !ok {
		t.Fatalf("Delete(b) = false, want true")
	}
	if ok := c.Delete("b"); ok {
		t.Fatalf("second Delete(b) = true, want false")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("Get(b) ok after delete")
	}
}

func TestOverwriteKeepsLen(t *testing.T) {
	c := NewCollection(itemID)
	c.Put(item{"x", "one"})
	if replaced := c.Put(item{"x", "two"}); !replaced {
		t.Fatalf("overwrite not reported as replace")
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len after overwrite = %d, want 1", got)
	}
	v, ok := c.Get("x")
	if !ok || v.val != "two" {
		t.Fatalf("Get(x) = %+v,%v want two,true", v, ok)
	}
}

func TestValuesSortedByID(t *testing.T) {
	c := NewCollection(itemID)
	for _, id := range []string{"m", "a", "z", "c"} {
		c.Put(item{id: id})
	}
	got := c.Values()
	want := []string{"a", "c", "m", "z"}
	for i, it := range got {
		if it.id != want[i] {
			t.Fatalf("Values()[%d] = %q, want %q", i, it.id, want[i])
		}
	}
}

func TestReplaceSupersedesEverything(t *testing.T) {
	c := NewCollection(itemID)
	c.Put(item{"old", "1"})
	c.Replace([]item{{"n1", "a"}, {"n2", "b"}, {"n1", "c"}})

	if _, ok := c.Get("old"); ok {
		t.Fatalf("old entry survived Replace")
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if v, _ := c.Get("n1"); v.val != "c" {
		t.Fatalf("duplicate identity: got %q, want last entry c", v.val)
	}
}

// Readers racing a Replace must see one generation or the other.
func TestReplaceIsAtomicForReaders(t *testing.T) {
	c := NewCollection(itemID)
	gen := func(tag string) []item {
		out := make([]item, 0, 50)
		for i := range 50 {
			out = append(out, item{fmt.Sprintf("k%02d", i), tag})
		}
		return out
	}
	c.Replace(gen("A"))

	var wg sync.WaitGroup
	var stop atomic.Bool
	errCh := make(chan error, 4)

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				vals := c.Values()
				for _, v := range vals[1:] {
					if v.val != vals[0].val {
						errCh <- fmt.Errorf("mixed generations: %q and %q", vals[0].val, v.val)
						stop.Store(true)
						return
					}
				}
			}
		}()
	}
	for i := range 200 {
		if i%2 == 0 {
			c.Replace(gen("B"))
		} else {
			c.Replace(gen("A"))
		}
	}
	stop.Store(true)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	c := NewCollection(itemID)

	var wg sync.WaitGroup
	const G = 32
	const N = 500

	errCh := make(chan error, G)
	var stop atomic.Bool

	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := range N {
				if stop.Load() {
					return
				}
				it := item{fmt.Sprintf("k-%d-%d", gid, i), fmt.Sprintf("v-%d", i)}
				c.Put(it)

				got, ok := c.Get(it.id)
				if !ok || got != it {
					errCh <- fmt.Errorf("missing or mismatched key=%s right after Put", it.id)
					stop.Store(true)
					return
				}
				if i%7 == 0 {
					c.Delete(it.id)
				}
			}
		}(gid)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrency test failed: %v", err)
	}
}

func TestValue(t *testing.T) {
	var v Value[item]
	if v.Loaded() {
		t.Fatal("fresh Value reports Loaded")
	}
	if got := v.Load(); got != (item{}) {
		t.Fatalf("Load on empty = %+v, want zero", got)
	}
	v.Store(item{"cfg", "Proxy"})
	if !v.Loaded() || v.Load().val != "Proxy" {
		t.Fatalf("Load = %+v, want Proxy", v.Load())
	}
}
