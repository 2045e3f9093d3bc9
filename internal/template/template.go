package template

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DefaultVersion is assumed when a template definition omits its version.
const DefaultVersion = "1.0.0"

// Definition is the declarative form of a template as written in stageline.yml.
type Definition struct {
	ID          string           `yaml:"id" json:"id"`
	DisplayName string           `yaml:"display_name" json:"display_name"`
	Version     string           `yaml:"version" json:"version,omitempty"`
	EntryStage  string           `yaml:"entry_stage" json:"entry_stage,omitempty"`
	Stages      []StageSpec      `yaml:"stages" json:"stages"`
	Gates       []GateDefinition `yaml:"gates" json:"gates,omitempty"`
}

type StageSpec struct {
	ID           string   `yaml:"id" json:"id"`
	DisplayName  string   `yaml:"display_name" json:"display_name"`
	GateRequired bool     `yaml:"gate_required" json:"gate_required"`
	Next         []string `yaml:"next" json:"next,omitempty"`
}

// GateDefinition describes a gate instantiated for every project adopting the template.
type GateDefinition struct {
	Key              string   `yaml:"key" json:"key"`
	DisplayName      string   `yaml:"display_name" json:"display_name"`
	StageID          string   `yaml:"stage" json:"stage"`
	RequiredGateKeys []string `yaml:"requires" json:"requires,omitempty"`
	SequenceNumber   *int     `yaml:"sequence" json:"sequence,omitempty"`
	Description      string   `yaml:"description" json:"description,omitempty"`
	Checklist        []string `yaml:"checklist" json:"checklist,omitempty"`
}

type StageDefinition struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	GateRequired bool     `json:"gate_required"`
	NextStageIDs []string `json:"next_stage_ids"`
}

// WorkflowTemplate is a validated, immutable stage graph.
type WorkflowTemplate struct {
	ID          string
	DisplayName string
	Version     *semver.Version
	EntryStage  string
	Stages      map[string]StageDefinition
	Gates       []GateDefinition

	order []string
}

// Ref is the identifier projects record for the template they follow.
func (t *WorkflowTemplate) Ref() string {
	return t.ID + "@" + t.Version.String()
}

// GetStage looks up a stage by id.
func (t *WorkflowTemplate) GetStage(id string) (StageDefinition, bool) {
	s, ok := t.Stages[id]
	return s, ok
}

// OrderedStages returns stages in declaration order.
func (t *WorkflowTemplate) OrderedStages() []StageDefinition {
	out := make([]StageDefinition, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.Stages[id])
	}
	return out
}

func (t *WorkflowTemplate) StageIDs() []string {
	return append([]string(nil), t.order...)
}

// Downstream returns the stages reachable from id through one or more
// transitions, in declaration order.
func (t *WorkflowTemplate) Downstream(id string) []string {
	seen := map[string]bool{}
	stack := append([]string(nil), t.Stages[id].NextStageIDs...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, t.Stages[n].NextStageIDs...)
	}
	var out []string
	for _, sid := range t.order {
		if seen[sid] {
			out = append(out, sid)
		}
	}
	return out
}

func (t *WorkflowTemplate) GatesForStage(stageID string) []GateDefinition {
	var out []GateDefinition
	for _, g := range t.Gates {
		if g.StageID == stageID {
			out = append(out, g)
		}
	}
	return out
}

// ConfigError reports a template that failed load-time validation.
type ConfigError struct {
	Template string
	Msg      string
	Cycle    []string
}

func (e *ConfigError) Error() string {
	if e.Template == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error in template %s: %s", e.Template, e.Msg)
}

func configErr(tpl, format string, args ...any) *ConfigError {
	return &ConfigError{Template: tpl, Msg: fmt.Sprintf(format, args...)}
}

// New validates def and builds the immutable template.
func New(def Definition) (*WorkflowTemplate, error) {
	id := strings.TrimSpace(def.ID)
	if id == "" {
		return nil, configErr("", "template id is required")
	}
	if strings.Contains(id, "@") {
		return nil, configErr(id, "template id must not contain '@'")
	}
	rawVersion := def.Version
	if rawVersion == "" {
		rawVersion = DefaultVersion
	}
	version, err := semver.NewVersion(rawVersion)
	if err != nil {
		return nil, configErr(id, "invalid version %q: %v", def.Version, err)
	}
	if len(def.Stages) == 0 {
		return nil, configErr(id, "template has no stages")
	}

	t := &WorkflowTemplate{
		ID:          id,
		DisplayName: def.DisplayName,
		Version:     version,
		EntryStage:  def.EntryStage,
		Stages:      make(map[string]StageDefinition, len(def.Stages)),
	}
	if t.DisplayName == "" {
		t.DisplayName = id
	}
	for _, s := range def.Stages {
		if s.ID == "" {
			return nil, configErr(id, "stage id is required")
		}
		if _, dup := t.Stages[s.ID]; dup {
			return nil, configErr(id, "duplicate stage %s", s.ID)
		}
		name := s.DisplayName
		if name == "" {
			name = s.ID
		}
		t.Stages[s.ID] = StageDefinition{
			ID:           s.ID,
			DisplayName:  name,
			GateRequired: s.GateRequired,
			NextStageIDs: dedupe(s.Next),
		}
		t.order = append(t.order, s.ID)
	}
	if t.EntryStage == "" {
		t.EntryStage = t.order[0]
	}
	if _, ok := t.Stages[t.EntryStage]; !ok {
		return nil, configErr(id, "entry stage %s does not exist", t.EntryStage)
	}
	for _, sid := range t.order {
		for _, next := range t.Stages[sid].NextStageIDs {
			if _, ok := t.Stages[next]; !ok {
				return nil, configErr(id, "stage %s references unknown next stage %s", sid, next)
			}
		}
	}
	if cycle := findCycle(t.order, func(n string) []string { return t.Stages[n].NextStageIDs }); cycle != nil {
		return nil, &ConfigError{Template: id, Msg: "stage graph contains a cycle: " + strings.Join(cycle, " -> "), Cycle: cycle}
	}
	if err := t.buildGates(def.Gates); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *WorkflowTemplate) buildGates(defs []GateDefinition) error {
	byKey := make(map[string]GateDefinition, len(defs))
	var keys []string
	for _, g := range defs {
		if g.Key == "" {
			return configErr(t.ID, "gate key is required")
		}
		if _, dup := byKey[g.Key]; dup {
			return configErr(t.ID, "duplicate gate key %s", g.Key)
		}
		if _, ok := t.Stages[g.StageID]; !ok {
			return configErr(t.ID, "gate %s references unknown stage %s", g.Key, g.StageID)
		}
		if g.DisplayName == "" {
			g.DisplayName = g.Key
		}
		g.RequiredGateKeys = dedupe(g.RequiredGateKeys)
		byKey[g.Key] = g
		keys = append(keys, g.Key)
	}
	for _, key := range keys {
		for _, req := range byKey[key].RequiredGateKeys {
			if req == key {
				return configErr(t.ID, "gate %s requires itself", key)
			}
			if _, ok := byKey[req]; !ok {
				return configErr(t.ID, "gate %s requires unknown gate %s", key, req)
			}
		}
	}
	if cycle := findCycle(keys, func(k string) []string { return byKey[k].RequiredGateKeys }); cycle != nil {
		return &ConfigError{Template: t.ID, Msg: "gate dependencies contain a cycle: " + strings.Join(cycle, " -> "), Cycle: cycle}
	}
	for _, key := range keys {
		t.Gates = append(t.Gates, byKey[key])
	}
	return nil
}

// findCycle runs an iterative depth-first search from every node in order,
// tracking the nodes on the current path. It returns the first cycle found
// as a path that starts and ends on the same node.
func findCycle(order []string, edges func(string) []string) []string {
	type frame struct {
		node string
		next int
	}
	done := make(map[string]bool, len(order))
	for _, root := range order {
		if done[root] {
			continue
		}
		onStack := map[string]int{root: 0}
		stack := []frame{{node: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := edges(top.node)
			if top.next >= len(children) {
				delete(onStack, top.node)
				done[top.node] = true
				stack = stack[:len(stack)-1]
				continue
			}
			child := children[top.next]
			top.next++
			if pos, ok := onStack[child]; ok {
				cycle := make([]string, 0, len(stack)-pos+1)
				for _, f := range stack[pos:] {
					cycle = append(cycle, f.node)
				}
				return append(cycle, child)
			}
			if done[child] {
				continue
			}
			onStack[child] = len(stack)
			stack = append(stack, frame{node: child})
		}
	}
	return nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
