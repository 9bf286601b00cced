package health

import (
	"strings"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/store"
)

// statusCaptureLines is how much pane scrollback is scanned for STATUS
// check-ins on each sweep.
const statusCaptureLines = 50

// parseStatusReports scans pane text for check-in lines of the form
//
//	STATUS <role> <rfc3339-timestamp>
//
// and returns the newest timestamp per role. The prefix is matched
// anywhere in the line since agent output arrives behind prompts and
// box-drawing borders. Lines that do not parse are ignored.
func parseStatusReports(capture string) map[string]time.Time {
	var reports map[string]time.Time
	for _, line := range strings.Split(capture, "\n") {
		idx := strings.Index(line, "STATUS ")
		if idx < 0 {
			continue
		}
		fields := strings.Fields(line[idx:])
		if len(fields) < 3 || fields[0] != "STATUS" {
			continue
		}
		at, err := time.Parse(time.RFC3339, fields[2])
		if err != nil {
			continue
		}
		role := fields[1]
		if reports == nil {
			reports = make(map[string]time.Time)
		}
		if at.After(reports[role]) {
			reports[role] = at
		}
	}
	return reports
}

// applyStatusReports folds STATUS check-ins from a pane capture into the
// session state: the reporting agent's check-in epoch advances, and any
// agent waiting on a role that reported since the wait began is
// unblocked. Returns whether the state changed.
func (m *Monitor) applyStatusReports(st *store.SessionState, capture string) bool {
	reports := parseStatusReports(capture)
	dirty := false
	for role, at := range reports {
		a, ok := st.Agents[role]
		if !ok {
			continue
		}
		if epoch := at.Unix(); epoch > a.LastCheckInEpoch {
			a.LastCheckInEpoch = epoch
			dirty = true
		}
		for _, other := range st.Agents {
			w := other.WaitingFor
			if w != nil && w.TargetRole == role && at.After(w.Since) {
				m.logf("%s: %s reported at %s, unblocking %s",
					st.ProjectName, role, at.Format(time.RFC3339), other.Role)
				other.WaitingFor = nil
				dirty = true
			}
		}
	}
	return dirty
}
