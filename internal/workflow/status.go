package workflow

// Status is a research task's lifecycle state. It is a closed set:
// values arriving from outside the process go through Valid before use.
type Status string

const (
	StatusNew               Status = "NEW"
	StatusQueue             Status = "QUEUE"
	StatusStart             Status = "START"
	StatusInScope           Status = "IN_SCOPE"
	StatusNeedClarification Status = "NEED_CLARIFICATION"
	StatusInResearch        Status = "IN_RESEARCH"
	StatusInReport          Status = "IN_REPORT"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
)

var allStatuses = map[Status]struct{}{
	StatusNew:               {},
	StatusQueue:             {},
	StatusStart:             {},
	StatusInScope:           {},
	StatusNeedClarification: {},
	StatusInResearch:        {},
	StatusInReport:          {},
	StatusCompleted:         {},
	StatusFailed:            {},
}

// Valid reports whether s is a member of the lifecycle set.
func (s Status) Valid() bool {
	_, ok := allStatuses[s]
	return ok
}

// Terminal reports whether a run holding this status has ended. A task
// in NEED_CLARIFICATION can be resubmitted, so the run is over but the
// task is not.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNeedClarification:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }
