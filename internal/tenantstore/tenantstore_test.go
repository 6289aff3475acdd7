package tenantstore

import (
	"context"
	"testing"
	"time"

	"github.com/voicedesk/secretary/internal/calldata"
)

func TestStaticStoreReturnsRegisteredProfile(t *testing.T) {
	store := NewStaticStore(nil)
	store.Put("tenant-1", "secretary-1", calldata.SecretaryProfile{
		ID: "secretary-1", TenantID: "tenant-1", Greeting: "Hello",
	})

	p, err := store.Profile(context.Background(), "tenant-1", "secretary-1")
	if err != nil {
		t.Fatalf("Profile returned error: %v", err)
	}
	if p.Greeting != "Hello" {
		t.Fatalf("Greeting = %q, want Hello", p.Greeting)
	}
}

func TestStaticStoreUnknownProfileReturnsNotFound(t *testing.T) {
	store := NewStaticStore(nil)
	_, err := store.Profile(context.Background(), "tenant-1", "missing")
	if err == nil {
		t.Fatalf("expected NotFoundError")
	}
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("error type = %T, want *NotFoundError", err)
	}
}

func TestAvailabilityAlwaysOpenWithNoWorkingHours(t *testing.T) {
	a := NewAvailability()
	dest := calldata.TransferDestination{Enabled: true}
	if !a.Available(dest, time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected always-open destination to be available")
	}
}

func TestAvailabilityDisabledDestinationNeverAvailable(t *testing.T) {
	a := NewAvailability()
	dest := calldata.TransferDestination{Enabled: false, WorkingHours: "* * * * *"}
	if a.Available(dest, time.Now()) {
		t.Fatalf("disabled destination must never be available")
	}
}

func TestAvailabilityRespectsWeekdayWindow(t *testing.T) {
	a := NewAvailability()
	dest := calldata.TransferDestination{Enabled: true, WorkingHours: "* 9-17 * * 1-5"}

	// Wednesday 2026-08-05 10:00 UTC: inside the window.
	inside := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)
	if !a.Available(dest, inside) {
		t.Fatalf("expected destination to be available at %v", inside)
	}

	// Wednesday 2026-08-05 20:00 UTC: outside the window.
	outside := time.Date(2026, 8, 5, 20, 0, 0, 0, time.UTC)
	if a.Available(dest, outside) {
		t.Fatalf("expected destination to be unavailable at %v", outside)
	}

	// Saturday 2026-08-08 10:00 UTC: weekend, outside the window.
	weekend := time.Date(2026, 8, 8, 10, 0, 0, 0, time.UTC)
	if a.Available(dest, weekend) {
		t.Fatalf("expected destination to be unavailable on weekend %v", weekend)
	}
}

func TestAvailabilityFailsClosedOnUnparseableSchedule(t *testing.T) {
	a := NewAvailability()
	dest := calldata.TransferDestination{Enabled: true, WorkingHours: "not a cron expression"}
	if a.Available(dest, time.Now()) {
		t.Fatalf("expected unparseable schedule to fail closed")
	}
}
