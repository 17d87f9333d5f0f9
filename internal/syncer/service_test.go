package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stagebox/kiosk/internal/store"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func TestPullCatalogInsertsMissingRows(t *testing.T) {
	remoteStore := newFakeRemote()
	remoteStore.seedCatalog(remoteRow("X001", "Alpha"), remoteRow("X002", "Beta"))
	service, localStore := newTestService(t, remoteStore, fixedClock(testNow))

	result := service.PullCatalog(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected pull errors: %v", result.Errors)
	}
	if result.Synced != 2 {
		t.Fatalf("expected 2 inserted rows, got %d", result.Synced)
	}

	entry, err := localStore.CatalogByCode(context.Background(), mustCode(t, "X001"))
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected pulled row to be cached")
	}
	if entry.SyncedAtSeconds == nil || *entry.SyncedAtSeconds != testNow.Unix() {
		t.Fatalf("expected pulled row to carry a sync stamp, got %+v", entry.SyncedAtSeconds)
	}
}

func TestPullCatalogIsIdempotent(t *testing.T) {
	remoteStore := newFakeRemote()
	remoteStore.seedCatalog(remoteRow("X001", "Alpha"), remoteRow("X002", "Beta"))
	service, localStore := newTestService(t, remoteStore, fixedClock(testNow))

	first := service.PullCatalog(context.Background())
	if first.Synced != 2 {
		t.Fatalf("expected first pull to insert 2 rows, got %d", first.Synced)
	}

	second := service.PullCatalog(context.Background())
	if second.Synced != 0 {
		t.Fatalf("expected second pull to insert nothing, got %d", second.Synced)
	}
	if len(second.Errors) != 0 {
		t.Fatalf("unexpected errors on repeated pull: %v", second.Errors)
	}

	count, err := localStore.CountCatalog(context.Background())
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 cached rows, got %d", count)
	}
}

func TestPullCatalogNeverOverwritesLocalRow(t *testing.T) {
	remoteStore := newFakeRemote()
	remoteStore.seedCatalog(remoteRow("X001", "Remote Artist"))
	service, localStore := newTestService(t, remoteStore, fixedClock(testNow))

	if _, err := localStore.UpsertCatalog(context.Background(), toLocalSeed("X001", "Local Artist")); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	result := service.PullCatalog(context.Background())
	if result.Synced != 0 {
		t.Fatalf("expected no inserts over an existing code, got %d", result.Synced)
	}

	entry, err := localStore.CatalogByCode(context.Background(), mustCode(t, "X001"))
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if entry.Artist != "Local Artist" {
		t.Fatalf("local row must survive a pull, got %q", entry.Artist)
	}
}

func TestPullCatalogSkipsWhenUnreachable(t *testing.T) {
	remoteStore := newFakeRemote()
	remoteStore.seedCatalog(remoteRow("X001", "Alpha"))
	remoteStore.setOffline(true)
	service, localStore := newTestService(t, remoteStore, fixedClock(testNow))

	result := service.PullCatalog(context.Background())
	if result.Synced != 0 || len(result.Errors) != 0 {
		t.Fatalf("expected a silent no-op while unreachable, got %+v", result)
	}
	if remoteStore.listCalls != 0 {
		t.Fatalf("expected no list call after a failed probe, got %d", remoteStore.listCalls)
	}

	count, err := localStore.CountCatalog(context.Background())
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty cache, got %d rows", count)
	}
}

func TestPushHistoryMarksRowsSynced(t *testing.T) {
	remoteStore := newFakeRemote()
	service, localStore := newTestService(t, remoteStore, fixedClock(testNow))

	for _, code := range []string{"X001", "X002"} {
		if _, err := localStore.AppendHistory(context.Background(), store.HistoryRequest{
			UserID: "user-1",
			Code:   mustCode(t, code),
		}); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}

	result := service.PushHistory(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected push errors: %v", result.Errors)
	}
	if result.Synced != 2 {
		t.Fatalf("expected 2 pushed rows, got %d", result.Synced)
	}
	if remoteStore.historyCount() != 2 {
		t.Fatalf("expected 2 remote rows, got %d", remoteStore.historyCount())
	}

	unsynced, err := localStore.UnsyncedHistory(context.Background())
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(unsynced) != 0 {
		t.Fatalf("expected no unsynced rows after push, got %d", len(unsynced))
	}
}

func TestPushHistoryConflictConverges(t *testing.T) {
	remoteStore := newFakeRemote()
	service, localStore := newTestService(t, remoteStore, fixedClock(testNow))

	entry, err := localStore.AppendHistory(context.Background(), store.HistoryRequest{
		Code: mustCode(t, "X001"),
	})
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	// A previous push landed remotely but the local mark was lost.
	remoteStore.seedHistory(toRemoteHistory(entry.ID, "X001"))

	result := service.PushHistory(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("expected a conflict to be treated as success, got %v", result.Errors)
	}
	if result.Synced != 1 {
		t.Fatalf("expected the conflicting row to count as synced, got %d", result.Synced)
	}

	unsynced, err := localStore.UnsyncedHistory(context.Background())
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(unsynced) != 0 {
		t.Fatalf("expected the conflicting row to be marked synced")
	}
	if remoteStore.historyCount() != 1 {
		t.Fatalf("expected no duplicate remote row, got %d", remoteStore.historyCount())
	}
}

func TestPushHistoryFailedRowStaysPending(t *testing.T) {
	remoteStore := newFakeRemote()
	service, localStore := newTestService(t, remoteStore, fixedClock(testNow))

	if _, err := localStore.AppendHistory(context.Background(), store.HistoryRequest{
		Code: mustCode(t, "X001"),
	}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	remoteStore.setInsertErr(errors.New("insert rejected"))
	result := service.PushHistory(context.Background())
	if result.Synced != 0 {
		t.Fatalf("expected no rows synced under failure, got %d", result.Synced)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one collected error, got %v", result.Errors)
	}

	unsynced, err := localStore.UnsyncedHistory(context.Background())
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(unsynced) != 1 {
		t.Fatalf("expected the failed row to stay pending, got %d", len(unsynced))
	}

	remoteStore.setInsertErr(nil)
	retry := service.PushHistory(context.Background())
	if retry.Synced != 1 || len(retry.Errors) != 0 {
		t.Fatalf("expected the next pass to drain the row, got %+v", retry)
	}
}

func TestPushCatalogPushesPendingRows(t *testing.T) {
	remoteStore := newFakeRemote()
	service, localStore := newTestService(t, remoteStore, fixedClock(testNow))

	if _, err := localStore.UpsertCatalog(context.Background(), toLocalSeed("X001", "Alpha")); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	result := service.PushCatalog(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected push errors: %v", result.Errors)
	}
	if result.Synced != 1 {
		t.Fatalf("expected 1 pushed row, got %d", result.Synced)
	}

	pending, err := localStore.PendingCatalog(context.Background())
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending rows after push, got %d", len(pending))
	}
}

func TestLookupCatalogCachesRemoteHit(t *testing.T) {
	remoteStore := newFakeRemote()
	remoteStore.seedCatalog(remoteRow("X001", "Alpha"))
	service, _ := newTestService(t, remoteStore, fixedClock(testNow))

	entry, err := service.LookupCatalog(context.Background(), mustCode(t, "X001"))
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if entry == nil || entry.Artist != "Alpha" {
		t.Fatalf("expected remote row to be served, got %+v", entry)
	}
	if remoteStore.lookupCalls != 1 {
		t.Fatalf("expected one remote lookup, got %d", remoteStore.lookupCalls)
	}

	// The cached copy must answer the next lookup without the network.
	remoteStore.setOffline(true)
	cached, err := service.LookupCatalog(context.Background(), mustCode(t, "X001"))
	if err != nil {
		t.Fatalf("unexpected cached lookup error: %v", err)
	}
	if cached == nil || cached.Artist != "Alpha" {
		t.Fatalf("expected cache to serve the second lookup, got %+v", cached)
	}
	if remoteStore.lookupCalls != 1 {
		t.Fatalf("expected no second remote lookup, got %d", remoteStore.lookupCalls)
	}
}

func TestLookupCatalogOfflineMissReturnsNil(t *testing.T) {
	remoteStore := newFakeRemote()
	remoteStore.setOffline(true)
	service, _ := newTestService(t, remoteStore, fixedClock(testNow))

	entry, err := service.LookupCatalog(context.Background(), mustCode(t, "X404"))
	if err != nil {
		t.Fatalf("an offline miss should not be an error: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil for an offline miss, got %+v", entry)
	}
}

func TestLookupCatalogRemoteMissReturnsNil(t *testing.T) {
	remoteStore := newFakeRemote()
	service, _ := newTestService(t, remoteStore, fixedClock(testNow))

	entry, err := service.LookupCatalog(context.Background(), mustCode(t, "X404"))
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil for an unknown code, got %+v", entry)
	}
}

func TestSyncAllRunsFullPass(t *testing.T) {
	remoteStore := newFakeRemote()
	remoteStore.seedCatalog(remoteRow("X100", "Gamma"))
	service, localStore := newTestService(t, remoteStore, fixedClock(testNow))

	if _, err := localStore.AppendHistory(context.Background(), store.HistoryRequest{
		Code: mustCode(t, "X001"),
	}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	result := service.SyncAll(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected sync errors: %v", result.Errors)
	}
	if result.History != 1 {
		t.Fatalf("expected 1 pushed history row, got %d", result.History)
	}
	if result.Pulled != 1 {
		t.Fatalf("expected 1 pulled catalog row, got %d", result.Pulled)
	}
}
