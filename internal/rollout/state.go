package rollout

import (
	"time"

	"github.com/lyndonlyu/fleet/internal/fleet"
)

type Stage string

const (
	StageIdle      Stage = "idle"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageHalted    Stage = "halted"
)

// Terminal reports whether a run in this stage has ended.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageHalted
}

type NodeState string

const (
	NodePending    NodeState = "pending"
	NodeUpdating   NodeState = "updating"
	NodeSuccess    NodeState = "success"
	NodeFailed     NodeState = "failed"
	NodeRolledBack NodeState = "rolled_back"
	NodeSkipped    NodeState = "skipped"
)

type NodeStatus struct {
	NodeID          fleet.UserKey `json:"node_id"`
	Address         string        `json:"address"`
	Status          NodeState     `json:"status"`
	PreviousVersion *string       `json:"previous_version"`
	NewVersion      *string       `json:"new_version"`
	Error           string        `json:"error,omitempty"`
}

// State is the progress of the current or most recent run.
type State struct {
	RunID                string       `json:"run_id,omitempty"`
	InProgress           bool         `json:"in_progress"`
	Stage                Stage        `json:"stage"`
	StartedAt            time.Time    `json:"started_at,omitzero"`
	CompletedAt          time.Time    `json:"completed_at,omitzero"`
	TotalNodes           int          `json:"total_nodes"`
	UpdatedCount         int          `json:"updated_count"`
	FailedCount          int          `json:"failed_count"`
	RolledBackCount      int          `json:"rolled_back_count"`
	CurrentStageProgress int          `json:"current_stage_progress"`
	Error                string       `json:"error,omitempty"`
	Nodes                []NodeStatus `json:"nodes"`
}

// clone returns a deep copy that shares nothing with s.
func (s State) clone() State {
	out := s
	if s.Nodes != nil {
		out.Nodes = make([]NodeStatus, len(s.Nodes))
		for i, n := range s.Nodes {
			n.PreviousVersion = copyString(n.PreviousVersion)
			n.NewVersion = copyString(n.NewVersion)
			out.Nodes[i] = n
		}
	}
	return out
}

// Count returns how many nodes are in status st.
func (s State) Count(st NodeState) int {
	n := 0
	for _, ns := range s.Nodes {
		if ns.Status == st {
			n++
		}
	}
	return n
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
