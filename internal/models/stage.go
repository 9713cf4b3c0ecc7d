package models

// TaskStage is a coarse-grained named step within task execution, used for
// progress display. Stages are ordered and only move forward while a task runs.
type TaskStage string

const (
	StageInit       TaskStage = "init"
	StageOutline    TaskStage = "outline"
	StageGenerating TaskStage = "generating"
	StageAnalyzing  TaskStage = "analyzing"
	StageFinalizing TaskStage = "finalizing"
	StageDone       TaskStage = "done"
)

// stageOrder maps each stage to its position in the pipeline
var stageOrder = map[TaskStage]int{
	StageInit:       0,
	StageOutline:    1,
	StageGenerating: 2,
	StageAnalyzing:  3,
	StageFinalizing: 4,
	StageDone:       5,
}

// stageBase maps each stage to the progress percentage reported on entry.
// Generation fills the span between StageGenerating and StageAnalyzing based
// on byte progress against the expected output length.
var stageBase = map[TaskStage]int{
	StageInit:       5,
	StageOutline:    10,
	StageGenerating: 15,
	StageAnalyzing:  92,
	StageFinalizing: 97,
	StageDone:       100,
}

// Index returns the stage's position in the pipeline, or -1 for unknown stages
func (s TaskStage) Index() int {
	if i, ok := stageOrder[s]; ok {
		return i
	}
	return -1
}

// BasePercent returns the progress percentage reported when the stage is entered
func (s TaskStage) BasePercent() int {
	if p, ok := stageBase[s]; ok {
		return p
	}
	return 0
}

// GeneratingPercent derives a progress percentage for the generating stage from
// the number of bytes produced so far against the expected total. The result is
// clamped to the generating stage's span so it can never claim a later stage's
// territory, and never reaches 100.
func GeneratingPercent(producedBytes, expectedBytes int) int {
	lo := stageBase[StageGenerating]
	hi := stageBase[StageAnalyzing] - 2
	if expectedBytes <= 0 || producedBytes <= 0 {
		return lo
	}
	pct := lo + (hi-lo)*producedBytes/expectedBytes
	if pct > hi {
		pct = hi
	}
	if pct < lo {
		pct = lo
	}
	return pct
}
