package fetchwal

import (
	"testing"
	"time"

	"github.com/NebulousLabs/texturefetch/pkg/assetid"
	"github.com/NebulousLabs/texturefetch/pkg/fetch"
)

func TestStoreBlacklistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	rec := fetch.BlacklistRecord{
		Prefix:     "http://example.com/a/",
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
		Reason:     "fetch error",
		ErrorCount: 4,
	}
	if err := s.PutBlacklist(rec); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadBlacklist()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 record, got %d", len(loaded))
	}
	if loaded[0].Prefix != rec.Prefix || loaded[0].ErrorCount != rec.ErrorCount {
		t.Fatalf("round-tripped record mismatch: %+v", loaded[0])
	}

	if err := s.DeleteBlacklist(rec.Prefix); err != nil {
		t.Fatal(err)
	}
	loaded, err = s.LoadBlacklist()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected entry to be removed, got %d records", len(loaded))
	}
}

func TestStorePrioritySnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	records := []fetch.PriorityRecord{
		{ID: assetid.New(), Priority: 0.5},
		{ID: assetid.New(), Priority: 1.0},
	}
	if err := s.SavePrioritySnapshot(records); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadPrioritySnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(loaded))
	}
}

func TestOnBlacklistPersistMirrorsAdd(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	bl := fetch.NewHostBlacklist()
	var persistErrs int
	bl.OnPersist(s.OnBlacklistPersist(func(error) { persistErrs++ }))

	url := "http://example.com/a/b.j2c"
	for i := 0; i <= fetch.MaxErrorCount; i++ {
		bl.Add(url, time.Minute, "fetch error")
	}
	if !bl.Denied(url) {
		t.Fatal("expected denial after exceeding MaxErrorCount")
	}

	loaded, err := s.LoadBlacklist()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected mirrored entry, got %d", len(loaded))
	}
	if persistErrs != 0 {
		t.Fatalf("expected no persist errors, got %d", persistErrs)
	}
}
