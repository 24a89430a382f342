package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hollis/atlas/internal/apperr"
	"github.com/hollis/atlas/internal/storage"
)

// Gatherer assembles the inputs and enrichment tasks for one command.
// Gathering must be deterministic over its sources: it reads connectors
// and the cache, never the enrichment agent's output.
type Gatherer interface {
	Gather(ctx context.Context) (Inputs, []Task, error)
}

// Pipeline runs the gather → enrich → deliver state machine per command,
// checkpointed in directive files under directives/.
type Pipeline struct {
	store  storage.Provider
	logger *slog.Logger

	mu       sync.Mutex
	commands map[string]Gatherer
}

// New creates a Pipeline over the workspace store.
func New(store storage.Provider, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		logger:   logger,
		commands: make(map[string]Gatherer),
	}
}

// Register binds a command name to its gatherer.
func (p *Pipeline) Register(name string, g Gatherer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands[name] = g
}

// Commands returns the registered command names, sorted.
func (p *Pipeline) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.commands))
	for name := range p.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Pipeline) gatherer(command string) (Gatherer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.commands[command]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown command %q: %w", command, apperr.ErrNotFound)
	}
	return g, nil
}

func directivePath(command string) string {
	return "directives/" + command + ".json"
}

func artifactPath(d *Directive) string {
	return fmt.Sprintf("briefings/%s-%s.md", d.Command, d.GeneratedAt.UTC().Format("20060102T150405Z"))
}

func archivePath(d *Directive) string {
	return fmt.Sprintf("%s/directives/%s-%s.json", storage.ArchiveDir, d.Command, d.GeneratedAt.UTC().Format("20060102T150405Z"))
}

// load reads the command's directive checkpoint, nil when none exists.
func (p *Pipeline) load(command string) (*Directive, error) {
	data, err := p.store.Read(directivePath(command))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeDirective(data)
}

// Status reports the command's current stage, derived entirely from the
// durable checkpoint: no in-memory pipeline state survives a crash, so
// none is consulted.
func (p *Pipeline) Status(command string) (Status, error) {
	if _, err := p.gatherer(command); err != nil {
		return Status{}, err
	}
	d, err := p.load(command)
	if err != nil {
		return Status{}, err
	}
	if d == nil {
		return Status{Command: command, State: StateNotStarted}, nil
	}
	missing := d.MissingOutputs()
	return Status{
		Command: command,
		State:   StateAwaitingEnrichment,
		Since:   d.GeneratedAt,
		Missing: missing,
		Ready:   len(missing) == 0,
	}, nil
}

// Artifact returns the path and content of the command's most recently
// delivered briefing. A live directive means the cycle has not delivered
// yet and the call refuses with ErrPipelineIncomplete.
func (p *Pipeline) Artifact(command string) (string, []byte, error) {
	if _, err := p.gatherer(command); err != nil {
		return "", nil, err
	}
	d, err := p.load(command)
	if err != nil {
		return "", nil, err
	}
	if d != nil {
		return "", nil, fmt.Errorf("pipeline: %s not delivered: %w", command, apperr.ErrPipelineIncomplete)
	}
	metas, err := p.store.List("briefings")
	if err != nil {
		return "", nil, err
	}
	var latest string
	prefix := "briefings/" + command + "-"
	for _, m := range metas {
		// Generation stamps sort lexicographically.
		if strings.HasPrefix(m.Path, prefix) && m.Path > latest {
			latest = m.Path
		}
	}
	if latest == "" {
		return "", nil, fmt.Errorf("pipeline: no briefing for %s: %w", command, apperr.ErrNotFound)
	}
	content, err := p.store.Read(latest)
	if err != nil {
		return "", nil, err
	}
	return latest, content, nil
}

// Run advances the command's pipeline by one stage and reports where it
// landed. Safe to re-invoke at any time:
//
//   - no directive          → gather, land in AwaitingEnrichment
//   - outputs untouched     → re-gather with fresh inputs (idempotent)
//   - outputs partly written → stay in AwaitingEnrichment, report missing
//   - outputs complete      → deliver, land in Complete
//
// Delivery failures leave the directive intact for retry.
func (p *Pipeline) Run(ctx context.Context, command string) (Status, error) {
	g, err := p.gatherer(command)
	if err != nil {
		return Status{}, err
	}

	d, err := p.load(command)
	if err != nil {
		return Status{}, err
	}

	if d == nil || !d.HasEnrichment() {
		d, err = p.gather(ctx, command, g)
		if err != nil {
			return Status{Command: command, State: StateFailed, FailedStage: string(StateGathering)}, err
		}
		return Status{
			Command: command,
			State:   StateAwaitingEnrichment,
			Since:   d.GeneratedAt,
			Missing: d.MissingOutputs(),
		}, nil
	}

	if missing := d.MissingOutputs(); len(missing) > 0 {
		// Resumable, not failed: the agent has more to write.
		p.logger.Info("pipeline: awaiting enrichment",
			slog.String("command", command),
			slog.Int("missing", len(missing)))
		return Status{
			Command: command,
			State:   StateAwaitingEnrichment,
			Since:   d.GeneratedAt,
			Missing: missing,
		}, nil
	}

	artifact, err := p.deliver(d)
	if err != nil {
		return Status{
			Command:     command,
			State:       StateFailed,
			Since:       d.GeneratedAt,
			FailedStage: string(StateDelivering),
		}, err
	}
	return Status{Command: command, State: StateComplete, Since: d.GeneratedAt, Artifact: artifact}, nil
}

// Gather forces a fresh gathering pass. Unlike Run it refuses, with
// ErrConflict, when enrichment output already exists, so in-progress
// agent or human work is never discarded silently.
func (p *Pipeline) Gather(ctx context.Context, command string) (*Directive, error) {
	g, err := p.gatherer(command)
	if err != nil {
		return nil, err
	}
	existing, err := p.load(command)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.HasEnrichment() {
		return nil, fmt.Errorf("pipeline: %s has enrichment in progress: %w", command, apperr.ErrConflict)
	}
	return p.gather(ctx, command, g)
}

func (p *Pipeline) gather(ctx context.Context, command string, g Gatherer) (*Directive, error) {
	inputs, tasks, err := g.Gather(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: gather %s: %w", command, err)
	}

	d := &Directive{
		Command:     command,
		ID:          uuid.NewString(),
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		Inputs:      inputs,
		Tasks:       tasks,
		Outputs:     make(map[string]string, len(tasks)),
	}
	for _, t := range tasks {
		d.Outputs[t.OutputKey] = PendingMarker
	}

	data, err := d.Encode()
	if err != nil {
		return nil, err
	}
	if err := p.store.Write(directivePath(command), data); err != nil {
		return nil, fmt.Errorf("pipeline: write directive: %w", err)
	}
	p.logger.Info("pipeline: gathered",
		slog.String("command", command),
		slog.Int("tasks", len(tasks)))
	return d, nil
}

// deliver validates the enriched directive, writes the briefing artifact,
// and archives the checkpoint. Delivering the same generation twice (crash
// after the artifact write, before cleanup) skips the write: the artifact
// path embeds the generation stamp and doubles as the delivered marker.
func (p *Pipeline) deliver(d *Directive) (string, error) {
	if missing := d.MissingOutputs(); len(missing) > 0 {
		return "", fmt.Errorf("pipeline: deliver %s: outputs %s missing: %w",
			d.Command, strings.Join(missing, ", "), apperr.ErrDeliveryPrecondition)
	}

	artifact := artifactPath(d)
	if p.store.Exists(artifact) {
		p.logger.Info("pipeline: already delivered, skipping artifact write",
			slog.String("command", d.Command),
			slog.String("artifact", artifact))
	} else {
		if err := p.store.Write(artifact, renderArtifact(d)); err != nil {
			return "", fmt.Errorf("pipeline: write artifact: %w", err)
		}
	}

	if err := p.store.Move(directivePath(d.Command), archivePath(d)); err != nil {
		return "", fmt.Errorf("pipeline: archive directive: %w", err)
	}
	p.logger.Info("pipeline: delivered",
		slog.String("command", d.Command),
		slog.String("artifact", artifact))
	return artifact, nil
}

// renderArtifact lays the enriched outputs out as a briefing document.
func renderArtifact(d *Directive) []byte {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "command: %s\n", d.Command)
	fmt.Fprintf(&b, "generated_at: %s\n", d.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "directive_id: %s\n", d.ID)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n", titleWords(d.Command))
	for _, t := range d.Tasks {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", t.Subject, d.Outputs[t.OutputKey])
	}
	return []byte(b.String())
}

// titleWords turns a command name like "daily-brief" into "Daily Brief".
func titleWords(command string) string {
	words := strings.Split(command, "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
