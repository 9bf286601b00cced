package health

import (
	"fmt"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/store"
)

func TestParseStatusReports(t *testing.T) {
	capture := `> working on handlers
│ STATUS developer 2026-08-24T10:00:00Z
STATUS developer 2026-08-24T10:15:00Z
STATUS project-manager not-a-timestamp
STATUS project-manager
  $ STATUS tester 2026-08-24T09:30:00Z trailing noise
nothing here`

	got := parseStatusReports(capture)
	if len(got) != 2 {
		t.Fatalf("reports = %v, want developer and tester", got)
	}
	if want := time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC); !got["developer"].Equal(want) {
		t.Errorf("developer = %s, want newest report %s", got["developer"], want)
	}
	if want := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC); !got["tester"].Equal(want) {
		t.Errorf("tester = %s, want %s", got["tester"], want)
	}
}

func TestParseStatusReportsEmpty(t *testing.T) {
	if got := parseStatusReports("plain output\nno check-ins\n"); got != nil {
		t.Errorf("reports = %v, want none", got)
	}
}

func TestSweepRecordsCheckInsAndUnblocks(t *testing.T) {
	h := newHarness(t)

	// The project manager has been waiting on the developer since before
	// the developer's latest check-in.
	st, err := h.store.SessionStateByProject("api")
	if err != nil {
		t.Fatal(err)
	}
	st.Agents["project-manager"].WaitingFor = &store.WaitingFor{
		TargetRole: "developer",
		Reason:     "needs the API handlers",
		Since:      time.Now().Add(-30 * time.Minute),
	}
	if err := h.store.SaveSessionState(st); err != nil {
		t.Fatal(err)
	}

	reportedAt := time.Now().UTC().Truncate(time.Second)
	h.tm.captures[h.proj.MainSession+":2"] =
		fmt.Sprintf("compiling...\nSTATUS developer %s\n", reportedAt.Format(time.RFC3339))

	h.sweep()

	st, err = h.store.SessionStateByProject("api")
	if err != nil {
		t.Fatal(err)
	}
	if got := st.Agents["developer"].LastCheckInEpoch; got != reportedAt.Unix() {
		t.Errorf("developer check-in epoch = %d, want %d", got, reportedAt.Unix())
	}
	if st.Agents["project-manager"].WaitingFor != nil {
		t.Errorf("project-manager still waiting: %+v", st.Agents["project-manager"].WaitingFor)
	}
}

func TestStaleStatusReportDoesNotUnblock(t *testing.T) {
	h := newHarness(t)

	st, err := h.store.SessionStateByProject("api")
	if err != nil {
		t.Fatal(err)
	}
	st.Agents["project-manager"].WaitingFor = &store.WaitingFor{
		TargetRole: "developer",
		Reason:     "needs the API handlers",
		Since:      time.Now(),
	}
	if err := h.store.SaveSessionState(st); err != nil {
		t.Fatal(err)
	}

	// The only report on screen predates the wait.
	stale := time.Now().Add(-2 * time.Hour).UTC()
	h.tm.captures[h.proj.MainSession+":2"] =
		fmt.Sprintf("STATUS developer %s\n", stale.Format(time.RFC3339))

	h.sweep()

	st, _ = h.store.SessionStateByProject("api")
	if st.Agents["project-manager"].WaitingFor == nil {
		t.Error("stale report cleared an active wait")
	}
	if got := st.Agents["developer"].LastCheckInEpoch; got != stale.Unix() {
		t.Errorf("check-in epoch = %d, want %d even from a stale report", got, stale.Unix())
	}
}
