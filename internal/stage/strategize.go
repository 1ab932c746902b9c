package stage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelflow/forge/internal/agent"
	"github.com/kestrelflow/forge/internal/ids"
	"github.com/kestrelflow/forge/internal/store"
)

// draftDecision is one proposal line of the agent's structured strategize
// output.
type draftDecision struct {
	Title       string  `json:"title"`
	Spec        string  `json:"spec"`
	Rationale   string  `json:"rationale"`
	Priority    string  `json:"priority"`
	Impact      float64 `json:"impact"`
	Feasibility float64 `json:"feasibility"`
	Novelty     float64 `json:"novelty"`
	Alignment   float64 `json:"alignment"`
}

const defaultWildCardFrequency = 0.2

// NewStrategize returns a stage function that asks the agent to turn open
// user ideas and scout findings into a handful of scored draft proposals.
// Whether this run requests one ambitious "wild card" proposal instead of
// incremental ones is decided by a Bernoulli draw on wild_card_frequency,
// deterministically seeded off the cycle id so a replayed/resumed
// strategize job asks the same kind of question twice.
func NewStrategize(runner *agent.Runner) Func {
	return func(ctx context.Context, sc Context) (Result, error) {
		var payload StrategizePayload
		if err := DecodePayload(sc.Job.JobType, sc.Job.Payload, &payload); err != nil {
			return Result{}, &FatalError{Reason: err.Error()}
		}

		ideas, err := sc.Store.ListOpenUserIdeas(sc.Project.ID)
		if err != nil {
			return Result{}, fmt.Errorf("strategize: list open ideas: %w", err)
		}
		memory, err := sc.Store.ListStrategyMemory(sc.Project.ID, 10)
		if err != nil {
			return Result{}, fmt.Errorf("strategize: list strategy memory: %w", err)
		}

		wildCard := isWildCardCycle(payload.CycleID, sc.Project.WildCardFrequency)

		prompt := buildStrategizePrompt(sc.Project, ideas, memory, wildCard)
		out, err := runner.Run(ctx, prompt, sc.Workspace.Path())
		if err != nil {
			return Result{}, fmt.Errorf("strategize: run agent: %w", err)
		}
		if err := sc.Store.AppendRunLog(sc.Project.ID, sc.Job.ID, out); err != nil {
			sc.Logger.Warn("strategize: append run log failed", "error", err)
		}

		var inserted int
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || line[0] != '{' {
				continue
			}
			var d draftDecision
			if err := json.Unmarshal([]byte(line), &d); err != nil {
				continue
			}
			if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Spec) == "" {
				continue
			}
			p := store.Proposal{
				ID:         ids.New(),
				ProjectID:  sc.Project.ID,
				CycleID:    store.NullString(payload.CycleID),
				Title:      d.Title,
				SpecText:   d.Spec,
				Rationale:  d.Rationale,
				Priority:   priorityOrDefault(d.Priority),
				Scores: store.Scores{
					Impact:      clamp01(d.Impact),
					Feasibility: clamp01(d.Feasibility),
					Novelty:     clamp01(d.Novelty),
					Alignment:   clamp01(d.Alignment),
				},
				Status:     store.ProposalDraft,
				IsWildCard: wildCard,
			}
			if err := sc.Store.InsertProposal(p); err != nil {
				return Result{}, fmt.Errorf("strategize: insert draft %q: %w", d.Title, err)
			}
			inserted++
		}

		if inserted == 0 {
			return Result{}, &FailureError{Reason: "strategize produced no parseable draft proposals"}
		}
		sc.Logger.Info("strategize complete", "project", sc.Project.ID, "drafts", inserted, "wild_card", wildCard)
		return Result{}, nil
	}
}

// isWildCardCycle draws a deterministic Bernoulli(frequency) outcome seeded
// off the cycle id, so re-running a resumed strategize job after a crash
// asks the agent the same kind of question rather than flipping a fresh
// coin (§5 "a fresh worker can resume mid-cycle").
func isWildCardCycle(cycleID string, frequency float64) bool {
	if frequency <= 0 {
		return false
	}
	if frequency > 1 {
		frequency = 1
	}
	sum := sha256.Sum256([]byte(cycleID))
	n := binary.BigEndian.Uint64(sum[:8])
	draw := float64(n) / float64(^uint64(0))
	return draw < frequency
}

func buildStrategizePrompt(p *store.Project, ideas, memory []string, wildCard bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s (default branch %s).\n", p.RepoRef, p.DefaultBranch)
	if p.ProductContext != "" {
		fmt.Fprintf(&b, "Product context: %s\n", p.ProductContext)
	}
	if len(ideas) > 0 {
		b.WriteString("Open ideas:\n")
		for _, i := range ideas {
			fmt.Fprintf(&b, "- %s\n", i)
		}
	}
	if len(memory) > 0 {
		b.WriteString("Recent strategy memory:\n")
		for _, m := range memory {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	if wildCard {
		b.WriteString("This is a wild-card cycle: propose exactly one ambitious improvement " +
			"rather than several incremental ones.\n")
	} else {
		b.WriteString("Propose a small set of incremental improvements.\n")
	}
	b.WriteString("Respond with one JSON object per line: " +
		`{"title":...,"spec":...,"rationale":...,"priority":"high|medium|low",` +
		`"impact":0..1,"feasibility":0..1,"novelty":0..1,"alignment":0..1}`)
	return b.String()
}

func priorityOrDefault(p string) store.Priority {
	switch store.Priority(strings.ToLower(p)) {
	case store.PriorityHigh, store.PriorityMedium, store.PriorityLow:
		return store.Priority(strings.ToLower(p))
	default:
		return store.PriorityMedium
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
