// Package pipeline drives the three-stage gather/enrich/deliver flow.
//
// The directive file is the only durable checkpoint: whatever stage the
// process dies in, re-invoking the pipeline reads the directive (if
// present) and resumes from the stage its contents imply.
package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hollis/atlas/internal/models"
)

// PendingMarker is the sentinel the gather stage seeds each output slot
// with. Enrichment is complete once no slot still carries it.
const PendingMarker = "PENDING"

// Pipeline states.
type State string

const (
	StateNotStarted         State = "not_started"
	StateGathering          State = "gathering"
	StateAwaitingEnrichment State = "awaiting_enrichment"
	StateDelivering         State = "delivering"
	StateComplete           State = "complete"
	StateFailed             State = "failed"
)

// Task is one unit of work the external enrichment agent is asked to do.
// The agent writes its answer into the directive's outputs under OutputKey.
type Task struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Subject   string `json:"subject"`
	Detail    string `json:"detail,omitempty"`
	OutputKey string `json:"output_key"`
}

// Binding records how a raw input reference resolved against the cache.
// Ambiguity is recorded, never guessed away.
type Binding struct {
	Ref        string   `json:"ref"`
	Kind       string   `json:"kind"` // "person" or "entity"
	ID         string   `json:"id,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
	NotFound   bool     `json:"not_found,omitempty"`
}

// Inputs is the gathered raw material for one pipeline invocation.
type Inputs struct {
	Events   []models.CalendarEvent `json:"events,omitempty"`
	Inbox    []models.InboxItem     `json:"inbox,omitempty"`
	Bindings []Binding              `json:"bindings,omitempty"`
}

// Directive is the single JSON checkpoint document for one invocation.
type Directive struct {
	Command     string            `json:"command"`
	ID          string            `json:"id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Inputs      Inputs            `json:"inputs"`
	Tasks       []Task            `json:"tasks"`
	Outputs     map[string]string `json:"outputs,omitempty"`
}

// MissingOutputs returns the output keys still unanswered: absent, empty,
// or carrying the pending sentinel.
func (d *Directive) MissingOutputs() []string {
	var missing []string
	for _, t := range d.Tasks {
		v, ok := d.Outputs[t.OutputKey]
		if !ok || v == "" || v == PendingMarker {
			missing = append(missing, t.OutputKey)
		}
	}
	sort.Strings(missing)
	return missing
}

// HasEnrichment reports whether the agent has written any output at all.
// Re-gathering over such a directive would discard in-progress work.
func (d *Directive) HasEnrichment() bool {
	for _, t := range d.Tasks {
		if v, ok := d.Outputs[t.OutputKey]; ok && v != "" && v != PendingMarker {
			return true
		}
	}
	return false
}

// Encode marshals the directive for its checkpoint file.
func (d *Directive) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode directive: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeDirective parses a directive checkpoint file.
func DecodeDirective(data []byte) (*Directive, error) {
	var d Directive
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("pipeline: decode directive: %w", err)
	}
	if d.Command == "" {
		return nil, fmt.Errorf("pipeline: decode directive: missing command")
	}
	return &d, nil
}

// Status reports where a command's pipeline stands: which stage, since
// when, and what is still missing. Always inspectable, never a bare
// success/failure bit.
type Status struct {
	Command     string    `json:"command"`
	State       State     `json:"state"`
	Since       time.Time `json:"since,omitempty"`
	Missing     []string  `json:"missing,omitempty"`
	Ready       bool      `json:"ready,omitempty"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Artifact    string    `json:"artifact,omitempty"`
}
