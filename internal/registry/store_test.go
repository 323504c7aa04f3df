package registry

import (
	"context"
	"errors"
	"testing"

	semver "github.com/Masterminds/semver/v3"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
)

func record(t *testing.T, name string, version Version, payload string) Record {
	t.Helper()
	data := []byte(payload)
	return Record{
		ID:       ComputeContentID(data),
		Manifest: Manifest{Module: mid(name), Version: version},
		Data:     data,
	}
}

func stores(t *testing.T) map[string]Store {
	fs, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return map[string]Store{"memory": NewInMemoryStore(), "file": fs}
}

func TestStoreFindByConstraint(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, rec := range []Record{
				record(t, "coin", "1.1.0", "v1.1.0"),
				record(t, "coin", "1.3.0", "v1.3.0"),
				record(t, "coin", "2.0.0", "v2.0.0"),
			} {
				if err := s.Put(ctx, rec); err != nil {
					t.Fatalf("put failed: %v", err)
				}
			}
			c, _ := semver.NewConstraint(">=1.0.0, <2.0.0")
			rec, err := s.Find(ctx, bc.ModuleID{Address: "0x0001", Name: "coin"}, c)
			if err != nil {
				t.Fatalf("find failed: %v", err)
			}
			if rec.Manifest.Version != "1.3.0" {
				t.Fatalf("expected highest 1.3.0, got %s", rec.Manifest.Version)
			}
			if _, err := s.Get(ctx, rec.ID); err != nil {
				t.Fatalf("get after find failed: %v", err)
			}
			list, _ := s.List(ctx, mid("coin"))
			if len(list) != 3 || list[0].Version != "1.1.0" || list[2].Version != "2.0.0" {
				t.Errorf("expected ascending versions, got %v", list)
			}
			if _, err := s.Find(ctx, mid("vault"), nil); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreAdmission(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := record(t, "coin", "1.0.0", "one")
			if err := s.Put(ctx, rec); err != nil {
				t.Fatalf("put failed: %v", err)
			}
			if err := s.Put(ctx, rec); err != nil {
				t.Errorf("expected identical put to succeed, got %v", err)
			}
			if err := s.Put(ctx, record(t, "coin", "1.0.0", "two")); !errors.Is(err, ErrVersionExists) {
				t.Errorf("expected ErrVersionExists, got %v", err)
			}
			bad := record(t, "coin", "1.0.1", "three")
			bad.Data = []byte("tampered")
			if err := s.Put(ctx, bad); err == nil {
				t.Error("expected a content id mismatch error")
			}
			if err := s.Put(ctx, record(t, "coin", "one", "four")); err == nil {
				t.Error("expected an invalid version error")
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	rec := record(t, "coin", "1.0.0", "payload")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	reopened, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got.Data) != "payload" {
		t.Fatalf("unexpected data: %q", string(got.Data))
	}
	all, _ := reopened.All(ctx)
	if len(all) != 1 || all[0].Module != mid("coin") {
		t.Errorf("unexpected manifests: %v", all)
	}
}
