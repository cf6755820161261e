package domain

import "time"

// RunStatus is the persisted stage status of a (user, tax year) pipeline chain.
type RunStatus string

const (
	RunUploaded        RunStatus = "uploaded"
	RunParsing         RunStatus = "parsing"
	RunParsed          RunStatus = "parsed"
	RunParseFailed     RunStatus = "parse_failed"
	RunAggregating     RunStatus = "aggregating"
	RunAggregated      RunStatus = "aggregated"
	RunAggregateFailed RunStatus = "aggregate_failed"
	RunContextBuilding RunStatus = "context_building"
	RunReady           RunStatus = "ready"
	RunContextFailed   RunStatus = "context_failed"
)

// Stage is one step of the upload pipeline.
type Stage struct {
	Queue     QueueName
	Running   RunStatus
	Succeeded RunStatus
	Failed    RunStatus
}

var (
	StageParse     = Stage{QueueParseFile, RunParsing, RunParsed, RunParseFailed}
	StageAggregate = Stage{QueueComputeAggregates, RunAggregating, RunAggregated, RunAggregateFailed}
	StageContext   = Stage{QueueBuildContext, RunContextBuilding, RunReady, RunContextFailed}
)

// InProgress reports whether s is a running stage status.
func (s RunStatus) InProgress() bool {
	return s == RunParsing || s == RunAggregating || s == RunContextBuilding
}

// Failed reports whether s is a stage failure.
func (s RunStatus) Failed() bool {
	return s == RunParseFailed || s == RunAggregateFailed || s == RunContextFailed
}

// CanTransition reports whether a run may move from one status to another.
// Starting a stage is always allowed, since every stage is individually
// retryable, and so is a new upload. Settling a stage requires that stage to
// be the one running.
func CanTransition(from, to RunStatus) bool {
	if to.InProgress() || to == RunUploaded {
		return true
	}
	for _, st := range []Stage{StageParse, StageAggregate, StageContext} {
		if to == st.Succeeded || to == st.Failed {
			return from == st.Running
		}
	}
	return false
}

// PipelineRun is the operational record of one (user, tax year) chain.
type PipelineRun struct {
	UserID    string
	TaxYear   int
	Status    RunStatus
	FileID    string
	JobID     string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stuck reports a run that failed, or has been in progress since before cutoff.
func (r *PipelineRun) Stuck(cutoff time.Time) bool {
	if r.Status.Failed() {
		return true
	}
	return r.Status.InProgress() && r.UpdatedAt.Before(cutoff)
}
