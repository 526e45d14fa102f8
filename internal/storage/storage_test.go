package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlStore.Close() })

	memStore := NewMemory()
	t.Cleanup(func() { memStore.Close() })

	return map[string]Store{"sqlite": sqlStore, "memory": memStore}
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "missing")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if ok {
				t.Error("expected missing key")
			}

			if err := s.Set(ctx, "k1", "v1"); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.Set(ctx, "k1", "v2"); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			v, ok, err := s.Get(ctx, "k1")
			if err != nil || !ok {
				t.Fatalf("get after set: ok=%v err=%v", ok, err)
			}
			if v != "v2" {
				t.Errorf("expected v2, got %q", v)
			}

			if err := s.Delete(ctx, "k1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			_, ok, _ = s.Get(ctx, "k1")
			if ok {
				t.Error("expected key deleted")
			}
		})
	}
}

func TestStore_Incr(t *testing.T) {
	ctx := context.Background()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			for want := int64(1); want <= 3; want++ {
				n, err := s.Incr(ctx, "seq")
				if err != nil {
					t.Fatalf("incr: %v", err)
				}
				if n != want {
					t.Errorf("expected %d, got %d", want, n)
				}
			}
		})
	}
}

func TestStore_Hash(t *testing.T) {
	ctx := context.Background()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.HSet(ctx, "h", "f1", "v1"); err != nil {
				t.Fatalf("hset: %v", err)
			}
			if err := s.HSet(ctx, "h", "f2", "v2"); err != nil {
				t.Fatalf("hset: %v", err)
			}
			if err := s.HSet(ctx, "h", "f1", "v1b"); err != nil {
				t.Fatalf("hset overwrite: %v", err)
			}

			v, ok, err := s.HGet(ctx, "h", "f1")
			if err != nil || !ok {
				t.Fatalf("hget: ok=%v err=%v", ok, err)
			}
			if v != "v1b" {
				t.Errorf("expected v1b, got %q", v)
			}

			all, err := s.HGetAll(ctx, "h")
			if err != nil {
				t.Fatalf("hgetall: %v", err)
			}
			if len(all) != 2 || all["f2"] != "v2" {
				t.Errorf("unexpected hash contents: %v", all)
			}

			if err := s.HDel(ctx, "h", "f1"); err != nil {
				t.Fatalf("hdel: %v", err)
			}
			_, ok, _ = s.HGet(ctx, "h", "f1")
			if ok {
				t.Error("expected field deleted")
			}

			empty, err := s.HGetAll(ctx, "nope")
			if err != nil {
				t.Fatalf("hgetall missing: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("expected empty map, got %v", empty)
			}
		})
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				if err := s.RPush(ctx, "l", fmt.Sprintf("e%d", i)); err != nil {
					t.Fatalf("rpush: %v", err)
				}
			}

			n, err := s.LLen(ctx, "l")
			if err != nil {
				t.Fatalf("llen: %v", err)
			}
			if n != 5 {
				t.Errorf("expected 5, got %d", n)
			}

			all, err := s.LRange(ctx, "l", 0, -1)
			if err != nil {
				t.Fatalf("lrange: %v", err)
			}
			if len(all) != 5 || all[0] != "e0" || all[4] != "e4" {
				t.Errorf("unexpected full range: %v", all)
			}

			tail, err := s.LRange(ctx, "l", -2, -1)
			if err != nil {
				t.Fatalf("lrange tail: %v", err)
			}
			if len(tail) != 2 || tail[0] != "e3" || tail[1] != "e4" {
				t.Errorf("unexpected tail: %v", tail)
			}

			mid, err := s.LRange(ctx, "l", 1, 3)
			if err != nil {
				t.Fatalf("lrange mid: %v", err)
			}
			if len(mid) != 3 || mid[0] != "e1" || mid[2] != "e3" {
				t.Errorf("unexpected mid range: %v", mid)
			}

			none, err := s.LRange(ctx, "l", 7, 9)
			if err != nil {
				t.Fatalf("lrange out of range: %v", err)
			}
			if len(none) != 0 {
				t.Errorf("expected empty, got %v", none)
			}

			if err := s.Delete(ctx, "l"); err != nil {
				t.Fatalf("delete list: %v", err)
			}
			n, _ = s.LLen(ctx, "l")
			if n != 0 {
				t.Errorf("expected empty after delete, got %d", n)
			}
		})
	}
}

func TestNormalizeRange(t *testing.T) {
	cases := []struct {
		start, stop, n int64
		offset, count  int64
		ok             bool
	}{
		{0, -1, 5, 0, 5, true},
		{-2, -1, 5, 3, 2, true},
		{1, 3, 5, 1, 3, true},
		{0, 100, 5, 0, 5, true},
		{-100, -1, 5, 0, 5, true},
		{3, 1, 5, 0, 0, false},
		{5, 9, 5, 0, 0, false},
		{0, -1, 0, 0, 0, false},
	}
	for _, c := range cases {
		offset, count, ok := normalizeRange(c.start, c.stop, c.n)
		if ok != c.ok || offset != c.offset || count != c.count {
			t.Errorf("normalizeRange(%d,%d,%d) = (%d,%d,%v), want (%d,%d,%v)",
				c.start, c.stop, c.n, offset, count, ok, c.offset, c.count, c.ok)
		}
	}
}

func TestMessageScope(t *testing.T) {
	if got := MessageScope("s1", "main"); got != "main:s1" {
		t.Errorf("main scope = %q", got)
	}
	if got := MessageScope("s1", ""); got != "main:s1" {
		t.Errorf("empty scope = %q", got)
	}
	if got := MessageScope("s1", "abcdef0123456789"); got != "abcdef0123456789" {
		t.Errorf("worktree scope = %q", got)
	}
}
