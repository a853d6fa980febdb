package models

// Stage is the workflow machine state of an OD request.
type Stage string

const (
	StageSubmitted             Stage = "submitted"
	StageEventLeaderPending    Stage = "event_leader_pending"
	StageFacultyPending        Stage = "faculty_pending"
	StageCompleted             Stage = "completed"
	StageRejectedByEventLeader Stage = "rejected_by_event_leader"
	StageRejectedByFaculty     Stage = "rejected_by_faculty"
)

// Status is the simplified request status kept alongside the stage.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Decision is the outcome chosen by a reviewer.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

type transitionKey struct {
	from     Stage
	role     UserRole
	decision Decision
}

var transitions = map[transitionKey]Stage{
	{StageEventLeaderPending, RoleEventLeader, DecisionApprove}: StageFacultyPending,
	{StageEventLeaderPending, RoleEventLeader, DecisionReject}:  StageRejectedByEventLeader,
	{StageFacultyPending, RoleFaculty, DecisionApprove}:         StageCompleted,
	{StageFacultyPending, RoleFaculty, DecisionReject}:          StageRejectedByFaculty,
}

var stageStatus = map[Stage]Status{
	StageSubmitted:             StatusPending,
	StageEventLeaderPending:    StatusPending,
	StageFacultyPending:        StatusPending,
	StageCompleted:             StatusApproved,
	StageRejectedByEventLeader: StatusRejected,
	StageRejectedByFaculty:     StatusRejected,
}

// InitialStage is the stage assigned on submission.
const InitialStage = StageEventLeaderPending

// Transition returns the stage reached when role decides on a request at from.
// ok is false when role is not eligible to decide at from.
func Transition(from Stage, role UserRole, decision Decision) (Stage, bool) {
	to, ok := transitions[transitionKey{from: from, role: role, decision: decision}]
	return to, ok
}

// EligibleStage is the only stage at which role may decide.
func EligibleStage(role UserRole) (Stage, bool) {
	switch role {
	case RoleEventLeader:
		return StageEventLeaderPending, true
	case RoleFaculty:
		return StageFacultyPending, true
	}
	return "", false
}

// StatusForStage derives the legacy status from a stage.
func StatusForStage(stage Stage) Status {
	if status, ok := stageStatus[stage]; ok {
		return status
	}
	return StatusPending
}

// IsTerminal reports whether no further transition can leave stage.
func IsTerminal(stage Stage) bool {
	return stage == StageCompleted || stage == StageRejectedByEventLeader || stage == StageRejectedByFaculty
}

// Valid reports whether s is a known stage token.
func (s Stage) Valid() bool {
	_, ok := stageStatus[s]
	return ok
}

// HistoryEntry records one transition. Entries are only ever appended.
type HistoryEntry struct {
	Stage     Stage    `json:"stage"`
	Timestamp int64    `json:"timestamp"`
	By        string   `json:"by"`
	Comments  string   `json:"comments,omitempty"`
	Status    Decision `json:"status,omitempty"`
}

// WorkflowState is embedded in every workflow-bearing request.
type WorkflowState struct {
	Stage    Stage          `json:"stage"`
	History  []HistoryEntry `json:"history"`
	Notified bool           `json:"notified"`
}

// Append returns a copy of w advanced to entry.Stage with entry appended and notified reset.
func (w WorkflowState) Append(entry HistoryEntry) WorkflowState {
	history := make([]HistoryEntry, len(w.History), len(w.History)+1)
	copy(history, w.History)
	return WorkflowState{
		Stage:    entry.Stage,
		History:  append(history, entry),
		Notified: false,
	}
}
