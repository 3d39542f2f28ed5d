package scheduler

import (
	"testing"
	"time"

	"github.com/arcanae/palmflow/internal/models"
	"github.com/arcanae/palmflow/internal/store"
)

func TestAddJobValidatesExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	if err := s.AddJob("*/5 * * * *", func() {}); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
}

func TestScheduleMaintenanceRegisters(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	st := store.NewInMemoryStore()
	if err := s.ScheduleMaintenance(st, 24*time.Hour); err != nil {
		t.Fatalf("ScheduleMaintenance failed: %v", err)
	}
}

func TestPurgeRemovesExpiredCodes(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	st.SaveCode(models.OneTimeCode{LeadID: "lead_old", Code: "1111", ExpiresAt: now.Add(-time.Minute)})
	st.SaveCode(models.OneTimeCode{LeadID: "lead_new", Code: "2222", ExpiresAt: now.Add(time.Hour)})

	n, err := st.PurgeExpiredCodes(now)
	if err != nil {
		t.Fatalf("PurgeExpiredCodes failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if code, _ := st.GetCode("lead_new"); code == nil {
		t.Error("unexpired code must survive the purge")
	}
}
