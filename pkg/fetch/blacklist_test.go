package fetch

import (
	"testing"
	"time"
)

func TestHostBlacklistNotDeniedUnderThreshold(t *testing.T) {
	bl := NewHostBlacklist()
	url := "http://example.com/a/b.j2c"
	for i := 0; i < MaxErrorCount; i++ {
		bl.Add(url, time.Minute, "fetch error")
	}
	if bl.Denied(url) {
		t.Fatal("should not be denied at exactly MaxErrorCount failures")
	}
	bl.Add(url, time.Minute, "fetch error")
	if !bl.Denied(url) {
		t.Fatal("expected denial once error count exceeds MaxErrorCount")
	}
}

func TestHostBlacklistSharesPrefixAcrossAssets(t *testing.T) {
	bl := NewHostBlacklist()
	for i := 0; i <= MaxErrorCount; i++ {
		bl.Add("http://example.com/a/one.j2c", time.Minute, "fetch error")
	}
	if !bl.Denied("http://example.com/a/two.j2c") {
		t.Fatal("expected denial to apply to any asset sharing the prefix")
	}
	if bl.Denied("http://example.com/b/one.j2c") {
		t.Fatal("a different prefix must not be affected")
	}
}

func TestHostBlacklistExpires(t *testing.T) {
	bl := NewHostBlacklist()
	url := "http://example.com/a/b.j2c"
	for i := 0; i <= MaxErrorCount; i++ {
		bl.Add(url, -time.Second, "fetch error")
	}
	if bl.Denied(url) {
		t.Fatal("expired entry should be swept and report not-denied")
	}
	if _, ok := bl.Snapshot()[urlPrefix(url)]; ok {
		t.Fatal("expired entry should have been removed from the map")
	}
}

func TestHostBlacklistRestore(t *testing.T) {
	bl := NewHostBlacklist()
	bl.RestoreRecords([]BlacklistRecord{
		{
			Prefix:     "http://example.com/a/",
			ExpiresAt:  time.Now().Add(time.Minute),
			Reason:     "persisted",
			ErrorCount: MaxErrorCount + 1,
		},
	})
	if !bl.Denied("http://example.com/a/c.j2c") {
		t.Fatal("expected restored entry to deny matching prefixes")
	}
}

func TestHostBlacklistPersistCallback(t *testing.T) {
	bl := NewHostBlacklist()
	var added, removed int
	bl.persist = func(prefix string, entry *blacklistEntry, isRemoved bool) {
		if isRemoved {
			removed++
		} else {
			added++
		}
	}
	url := "http://example.com/a/b.j2c"
	bl.Add(url, -time.Second, "fetch error")
	if added != 1 {
		t.Fatalf("expected one add callback, got %d", added)
	}
	bl.Denied(url)
	if removed != 1 {
		t.Fatalf("expected one removal callback after expiry sweep, got %d", removed)
	}
}
