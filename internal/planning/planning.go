// Package planning implements PlanningEngine (C4): the
// forward-extraction (P0-P2) and coverage-repair (P3-P5) phases that
// turn a FunctionCatalog into a set of business Flows, and the Finalize
// step that emits one Task per (Flow, rule_key) pair.
//
// This package holds the pure logic (parsing, resolution, coverage
// accounting, batching, finalize); the P0-P5 prompt round sequence
// itself runs as Temporal Activities in internal/temporal, which call
// into this package's functions.
package planning

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/antigravity-dev/auditor/internal/catalog"
	"github.com/antigravity-dev/auditor/internal/errs"
	"github.com/antigravity-dev/auditor/internal/store"
	"github.com/google/uuid"
)

// Group is Gi, a named cluster of related functions.
type Group struct {
	GroupID      string   `json:"group_id"`
	GroupName    string   `json:"group_name"`
	FunctionRefs []string `json:"functions"`
}

// Flow is Fi, as parsed from the agent's raw JSON
// before ref resolution.
type Flow struct {
	FlowID       string   `json:"flow_id"`
	Name         string   `json:"name"`
	GroupIDs     []string `json:"group_ids"`
	FunctionRefs []string `json:"function_refs"`
}

// Document is the business_flow_planning_v1 schema.
type Document struct {
	Groups []Group `json:"groups"`
	Flows  []Flow  `json:"flows"`
}

// ParseDocument decodes a strict JSON planning document. Callers
// implementing the P2/P5 "fall back to last successfully parsed
// snapshot" rule should retain the previous *Document and only replace
// it when ParseDocument succeeds.
func ParseDocument(raw string) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, errs.Parse("", fmt.Errorf("planning document: %w", err))
	}
	return &doc, nil
}

// ResolvedFlow is a Flow after every function_ref has gone through
// FunctionCatalog.Resolve (Phase A's final resolution step).
type ResolvedFlow struct {
	FlowID           string
	Name             string
	GroupIDs         []string
	MatchedRefs      []string
	MissingRefs      []string
	AmbiguousRefs    []string
	BusinessFlowCode string
}

// ResolveFlow classifies every function_ref of f via cat.Resolve and
// concatenates the bodies of matched refs into business_flow_code, in
// ref order. Ambiguous and missing refs are retained for diagnostics
// only: neither contributes to MatchedRefs, business_flow_code, or
// (via MatchedRefs) coverage.
func ResolveFlow(cat *catalog.Catalog, f Flow) ResolvedFlow {
	rf := ResolvedFlow{FlowID: f.FlowID, Name: f.Name, GroupIDs: append([]string(nil), f.GroupIDs...)}
	var bodies []string
	for _, ref := range f.FunctionRefs {
		res := cat.Resolve(ref)
		switch res.Status {
		case catalog.ResolveMatched:
			rf.MatchedRefs = append(rf.MatchedRefs, ref)
			bodies = append(bodies, res.Entry.Body)
		case catalog.ResolveAmbiguous:
			rf.AmbiguousRefs = append(rf.AmbiguousRefs, ref)
		case catalog.ResolveMissing:
			rf.MissingRefs = append(rf.MissingRefs, ref)
		}
	}
	rf.BusinessFlowCode = strings.Join(bodies, "\n\n// ---\n\n")
	return rf
}

// CoverageStats reports the Phase B acceptance metric.
type CoverageStats struct {
	Covered   int
	Total     int
	Coverage  float64
	Uncovered []string
}

// ComputeCoverage computes C = union of matched refs across flows and
// U = Catalog \ C (Phase B's coverage-repair input).
func ComputeCoverage(cat *catalog.Catalog, flows []ResolvedFlow) CoverageStats {
	covered := make(map[string]bool)
	for _, f := range flows {
		for _, ref := range f.MatchedRefs {
			covered[ref] = true
		}
	}

	var uncovered []string
	for _, e := range cat.List() {
		id := e.CanonicalID()
		if !covered[id] {
			uncovered = append(uncovered, id)
		}
	}
	sort.Strings(uncovered)

	total := cat.Len()
	stats := CoverageStats{Covered: len(covered), Total: total, Uncovered: uncovered}
	if total > 0 {
		stats.Coverage = float64(len(covered)) / float64(total)
	}
	return stats
}

// PartitionBatches splits uncovered refs into batches for P3/P4 repair
// rounds. Every batch holds max refs except the last, which holds the
// remainder and may be smaller than min; fewer than max refs form a
// single batch. The batch size does not depend on the catalog size.
// Refs are kept in their sorted (and thus container-grouped, since
// CanonicalID is Container.name) order so a batch tends to cover one
// container before moving to the next.
func PartitionBatches(uncovered []string, min, max int) [][]string {
	if len(uncovered) == 0 {
		return nil
	}
	if max <= 0 {
		max = len(uncovered)
	}
	if min <= 0 || min > max {
		min = max
	}

	size := max
	if len(uncovered) < max {
		size = len(uncovered)
	}
	if size < min && len(uncovered) >= min {
		size = min
	}
	if size <= 0 {
		size = len(uncovered)
	}

	var batches [][]string
	for i := 0; i < len(uncovered); i += size {
		end := i + size
		if end > len(uncovered) {
			end = len(uncovered)
		}
		batches = append(batches, uncovered[i:end])
	}
	return batches
}

// IDTracker enforces that Gi/Fi IDs never recycle or reorder once
// assigned across a project's planning rounds.
type IDTracker struct {
	maxSeen map[string]int // prefix ("G" or "F") -> highest numeric suffix seen
}

// NewIDTracker returns an empty tracker for a fresh planning run.
func NewIDTracker() *IDTracker {
	return &IDTracker{maxSeen: make(map[string]int)}
}

// Observe records id (e.g. "G3", "F12") as seen this round, returning
// an error if it recycles or reorders relative to an earlier round.
func (t *IDTracker) Observe(id string) error {
	prefix, n, ok := splitIDSuffix(id)
	if !ok {
		// non-numeric IDs (agent free-form) are accepted without ordering checks
		return nil
	}
	if prev, seen := t.maxSeen[prefix]; seen && n <= prev {
		return fmt.Errorf("planning: id %q recycles or reorders prior id %s%d", id, prefix, prev)
	}
	t.maxSeen[prefix] = n
	return nil
}

func splitIDSuffix(id string) (prefix string, n int, ok bool) {
	id = strings.TrimSpace(id)
	i := 0
	for i < len(id) && (id[i] < '0' || id[i] > '9') {
		i++
	}
	if i == 0 || i == len(id) {
		return "", 0, false
	}
	val, err := strconv.Atoi(id[i:])
	if err != nil {
		return "", 0, false
	}
	return id[:i], val, true
}

// RuleDef is one entry of the rules.json side file: checklist title
// and item text for a rule_key, supplied verbatim and embedded into
// Task.rule. This module only consumes the file; it does not author
// checklist content.
type RuleDef struct {
	Title string   `json:"title"`
	Items []string `json:"items"`
}

// RuleCatalog maps rule_key -> RuleDef, as loaded from rules.json.
type RuleCatalog map[string]RuleDef

// LoadRuleCatalog parses the rules.json side file contents.
func LoadRuleCatalog(raw []byte) (RuleCatalog, error) {
	var rc RuleCatalog
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("planning: parse rules.json: %w", err)
	}
	return rc, nil
}

// taskRule is the JSON shape written into project_task.rule by Finalize.
type taskRule struct {
	FlowID              string   `json:"flow_id"`
	FlowName            string   `json:"flow_name"`
	GroupIDs            []string `json:"group_ids"`
	FunctionRefs        []string `json:"function_refs"`
	MissingFunctionRefs []string `json:"missing_function_refs"`
	AmbiguousRefs       []string `json:"ambiguous_function_refs"`
	PlanningStage       string   `json:"planning_stage"`
	RuleKey             string   `json:"rule_key"`
	Title               string   `json:"title,omitempty"`
	Items               []string `json:"items,omitempty"`
}

// Finalize emits one Task per (Flow, rule_key) pair (no per-unit
// duplication beyond this nested loop). Flows are processed in FlowID order and rule_keys
// in the order given, so BulkInsertTasks sees a deterministic sequence.
func Finalize(projectID string, flows []ResolvedFlow, ruleKeys []string, rules RuleCatalog) ([]store.Task, error) {
	sorted := append([]ResolvedFlow(nil), flows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FlowID < sorted[j].FlowID })

	var tasks []store.Task
	for _, f := range sorted {
		for _, ruleKey := range ruleKeys {
			rule := taskRule{
				FlowID:              f.FlowID,
				FlowName:            f.Name,
				GroupIDs:            f.GroupIDs,
				FunctionRefs:        f.MatchedRefs,
				MissingFunctionRefs: f.MissingRefs,
				AmbiguousRefs:       f.AmbiguousRefs,
				PlanningStage:       "finalize",
				RuleKey:             ruleKey,
			}
			if def, ok := rules[ruleKey]; ok {
				rule.Title = def.Title
				rule.Items = def.Items
			}
			ruleJSON, err := json.Marshal(rule)
			if err != nil {
				return nil, fmt.Errorf("planning: marshal rule for %s/%s: %w", f.FlowID, ruleKey, err)
			}

			tasks = append(tasks, store.Task{
				UUID:             uuid.NewString(),
				ProjectID:        projectID,
				Name:             fmt.Sprintf("Fi:%s %s [%s]", f.FlowID, f.Name, ruleKey),
				RuleKey:          ruleKey,
				Rule:             string(ruleJSON),
				BusinessFlowCode: f.BusinessFlowCode,
				Group:            f.FlowID,
			})
		}
	}
	return tasks, nil
}
