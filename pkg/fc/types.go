package fc

import (
	"fmt"
	"strings"
)

// ImagedNode is a node record as Foundation Central returns it. The field set
// depends on the hardware vendor, so it is kept as a generic document.
type ImagedNode map[string]any

func (n ImagedNode) Serial() string {
	s, _ := n["node_serial"].(string)
	return s
}

// HardwareAttribute reads a boolean from the node's hardware_attributes.
func (n ImagedNode) HardwareAttribute(name string) bool {
	attrs, ok := n["hardware_attributes"].(map[string]any)
	if !ok {
		return false
	}
	v, _ := attrs[name].(bool)
	return v
}

// Clone returns a shallow copy safe to amend per deployment.
func (n ImagedNode) Clone() ImagedNode {
	out := make(ImagedNode, len(n))
	for k, v := range n {
		out[k] = v
	}
	return out
}

type NodeProgress struct {
	ImagedNodeUUID  string   `json:"imaged_node_uuid"`
	ImagingStopped  bool     `json:"imaging_stopped"`
	IntentPickedUp  bool     `json:"intent_picked_up"`
	PercentComplete float64  `json:"percent_complete"`
	Status          string   `json:"status"`
	MessageList     []string `json:"message_list"`
}

type ClusterProgressDetails struct {
	ClusterName     string   `json:"cluster_name"`
	Status          string   `json:"status"`
	PercentComplete float64  `json:"percent_complete"`
	MessageList     []string `json:"message_list"`
}

type ClusterStatus struct {
	IntentPickedUp           bool                    `json:"intent_picked_up"`
	ImagingStopped           bool                    `json:"imaging_stopped"`
	ClusterCreationStarted   bool                    `json:"cluster_creation_started"`
	AggregatePercentComplete float64                 `json:"aggregate_percent_complete"`
	CurrentFoundationIP      string                  `json:"current_foundation_ip"`
	NodeProgressDetails      []NodeProgress          `json:"node_progress_details"`
	ClusterProgressDetails   *ClusterProgressDetails `json:"cluster_progress_details"`
}

// ClusterProgress is the status document of one imaged cluster deployment.
type ClusterProgress struct {
	ImagedClusterUUID string        `json:"imaged_cluster_uuid"`
	ClusterName       string        `json:"cluster_name"`
	Archived          bool          `json:"archived"`
	ClusterStatus     ClusterStatus `json:"cluster_status"`
}

const (
	PhaseQueued          = "queued"
	PhaseImaging         = "imaging"
	PhaseCreatingCluster = "creating-cluster"
	PhaseFinished        = "finished"
	PhaseError           = "error"
)

// Phase aggregates the node and cluster progress into one marker.
func (p *ClusterProgress) Phase() string {
	st := p.ClusterStatus
	switch {
	case st.AggregatePercentComplete >= 100:
		return PhaseFinished
	case st.ImagingStopped || p.failedStatus():
		return PhaseError
	case st.ClusterCreationStarted:
		return PhaseCreatingCluster
	case st.IntentPickedUp:
		return PhaseImaging
	default:
		return PhaseQueued
	}
}

func (p *ClusterProgress) failedStatus() bool {
	for _, n := range p.ClusterStatus.NodeProgressDetails {
		if isFailed(n.Status) {
			return true
		}
	}
	if d := p.ClusterStatus.ClusterProgressDetails; d != nil {
		return isFailed(d.Status)
	}
	return false
}

func isFailed(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "fail") || strings.Contains(s, "error")
}

// Summary is the one-line progress string logged on every poll.
func (p *ClusterProgress) Summary() string {
	return fmt.Sprintf("%s %.0f%%", p.Phase(), p.ClusterStatus.AggregatePercentComplete)
}

// Messages collects the progress messages of the cluster and its nodes.
func (p *ClusterProgress) Messages() []string {
	var out []string
	if d := p.ClusterStatus.ClusterProgressDetails; d != nil {
		out = append(out, d.MessageList...)
	}
	for _, n := range p.ClusterStatus.NodeProgressDetails {
		out = append(out, n.MessageList...)
	}
	return out
}
