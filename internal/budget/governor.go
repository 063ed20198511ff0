package budget

import (
	"github.com/knowhub/research-orchestrator/internal/config"
)

// QuotaMessage is fed back into the agent conversation when the search
// ceiling is reached; it is a steering hint, not an error.
const QuotaMessage = "已达到搜索配额限制，请根据已有信息完成研究"

// Governor enforces a single run's search and iteration ceilings inside the
// researcher stage. It is owned by the one goroutine executing the run, so
// plain counters are safe. The iteration cap is derived as twice the search
// cap: each search is expected to cost at most one reflection round.
type Governor struct {
	level config.BudgetLevel

	searchCount          int
	researcherIterations int
}

func NewGovernor(level config.BudgetLevel) *Governor {
	return &Governor{level: level}
}

// Level returns the frozen budget configuration.
func (g *Governor) Level() config.BudgetLevel {
	return g.level
}

// AllowSearch reports whether another search call may run. When the ceiling
// is reached it returns false plus the quota message to feed back to the
// model; the counter is not incremented.
func (g *Governor) AllowSearch() (bool, string) {
	if g.searchCount >= g.level.MaxSearchCount {
		return false, QuotaMessage
	}
	return true, ""
}

// RecordSearch counts one executed search call.
func (g *Governor) RecordSearch() {
	g.searchCount++
}

// MaxIterations is the researcher loop ceiling.
func (g *Governor) MaxIterations() int {
	return 2 * g.level.MaxSearchCount
}

// ContinueLoop reports whether the researcher loop may run another
// iteration: both the search budget and the iteration cap must have room.
func (g *Governor) ContinueLoop() bool {
	return g.searchCount < g.level.MaxSearchCount &&
		g.researcherIterations < g.MaxIterations()
}

// RecordIteration counts one completed loop iteration.
func (g *Governor) RecordIteration() {
	g.researcherIterations++
}

// SearchCount returns the number of executed searches.
func (g *Governor) SearchCount() int {
	return g.searchCount
}

// Iterations returns the number of completed loop iterations.
func (g *Governor) Iterations() int {
	return g.researcherIterations
}
