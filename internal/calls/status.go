package calls

import "strings"

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// Vendor aliases counted as successful completion.
	StatusEnded   Status = "ended"
	StatusSuccess Status = "success"
)

// NormalizeStatus lowercases and trims a vendor status. Empty maps to unknown.
func NormalizeStatus(s string) Status {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StatusUnknown
	}
	return Status(s)
}

// IsSuccess reports completed-equivalent statuses.
func (s Status) IsSuccess() bool {
	switch s {
	case StatusCompleted, StatusEnded, StatusSuccess:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	return s.IsSuccess() || s == StatusFailed
}

// Rank orders statuses for the monotonic guard: unknown < in-flight < terminal.
// Any vendor status that is neither unknown nor terminal counts as in-flight.
func (s Status) Rank() int {
	switch {
	case s == "" || s == StatusUnknown:
		return 0
	case s.IsTerminal():
		return 2
	default:
		return 1
	}
}

// terminalStatusList is the SQL literal list matching IsTerminal.
const terminalStatusList = `'completed','failed','ended','success'`

// successStatusList is the SQL literal list matching IsSuccess.
const successStatusList = `'completed','ended','success'`

// rankSQL renders Rank as a SQL expression over col.
func rankSQL(col string) string {
	return "(CASE WHEN " + col + " IN (" + terminalStatusList + ") THEN 2 WHEN " +
		col + " IS NULL OR " + col + " IN ('', 'unknown') THEN 0 ELSE 1 END)"
}
