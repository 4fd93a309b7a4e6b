// Package catalog holds the static phase and requirement configuration.
//
// A Catalog is built once and never mutated afterwards, so it can be shared
// between goroutines without locking. It is injected into the evaluator and
// the transition coordinator; tests build their own with New.
package catalog

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/vacanze/phasegate/internal/domain"
)

//go:embed defaults/catalog.yaml
var defaultsFS embed.FS

// Definition is the on-disk shape of a catalog. Each entity type has its own
// field so a missing pipeline is caught at load time.
type Definition struct {
	Lead           PipelineDef `yaml:"lead"`
	LeadProperty   PipelineDef `yaml:"lead_property"`
	Client         PipelineDef `yaml:"client"`
	ClientProperty PipelineDef `yaml:"client_property"`
}

// PipelineDef lists the phases of one entity type.
type PipelineDef struct {
	Phases []PhaseDef `yaml:"phases"`
}

// PhaseDef describes a phase and its requirements.
type PhaseDef struct {
	ID          string        `yaml:"id"`
	Label       string        `yaml:"label"`
	Description string        `yaml:"description"`
	Ordinal     int           `yaml:"ordinal"`
	Terminal    bool          `yaml:"terminal"`
	Documents   []DocumentDef `yaml:"documents"`
	Tasks       []TaskDef     `yaml:"tasks"`
}

// DocumentDef is a document requirement.
type DocumentDef struct {
	Ref       string `yaml:"ref"`
	Label     string `yaml:"label"`
	Mandatory bool   `yaml:"mandatory"`
	Scope     string `yaml:"scope"`
}

// TaskDef is a task template.
type TaskDef struct {
	Ref       string `yaml:"ref"`
	Label     string `yaml:"label"`
	Mandatory bool   `yaml:"mandatory"`
	Priority  string `yaml:"priority"`
}

type pipeline struct {
	phases       []domain.Phase
	index        map[domain.PhaseID]int
	requirements map[domain.PhaseID][]domain.RequirementItem
}

// Catalog is the immutable phase and requirement lookup.
type Catalog struct {
	pipelines map[domain.EntityType]*pipeline
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	data, err := defaultsFS.ReadFile("defaults/catalog.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded catalog: %w", err)
	}
	return Parse(data)
}

// MustDefault is Default for process start-up; a broken embedded catalog is a build defect.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a YAML catalog from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML strictly and validates it.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, domain.WrapEngineError(domain.ErrCatalogInvalid, "catalog: parse", err)
	}
	return New(def)
}

// New validates def and builds a Catalog from it.
func New(def Definition) (*Catalog, error) {
	c := &Catalog{pipelines: make(map[domain.EntityType]*pipeline, 4)}
	defs := map[domain.EntityType]PipelineDef{
		domain.EntityLead:           def.Lead,
		domain.EntityLeadProperty:   def.LeadProperty,
		domain.EntityClient:         def.Client,
		domain.EntityClientProperty: def.ClientProperty,
	}
	var problems []string
	for _, et := range domain.EntityTypes() {
		p, errs := buildPipeline(et, defs[et])
		if len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}
		c.pipelines[et] = p
	}
	if len(problems) > 0 {
		return nil, domain.NewEngineError(domain.ErrCatalogInvalid, fmt.Sprintf("%s: %v", domain.ErrCatalogInvalid.Message, problems))
	}
	return c, nil
}

func buildPipeline(et domain.EntityType, def PipelineDef) (*pipeline, []string) {
	var problems []string
	if len(def.Phases) == 0 {
		return nil, []string{fmt.Sprintf("%s: no phases", et)}
	}

	phases := make([]PhaseDef, len(def.Phases))
	copy(phases, def.Phases)
	sort.SliceStable(phases, func(i, j int) bool { return phases[i].Ordinal < phases[j].Ordinal })

	p := &pipeline{
		index:        make(map[domain.PhaseID]int, len(phases)),
		requirements: make(map[domain.PhaseID][]domain.RequirementItem, len(phases)),
	}
	seenTerminal := false
	for i, pd := range phases {
		id := domain.PhaseID(pd.ID)
		if pd.ID == "" {
			problems = append(problems, fmt.Sprintf("%s: phase at ordinal %d has no id", et, pd.Ordinal))
			continue
		}
		if _, dup := p.index[id]; dup {
			problems = append(problems, fmt.Sprintf("%s: duplicate phase %s", et, id))
			continue
		}
		if pd.Ordinal != i {
			problems = append(problems, fmt.Sprintf("%s: phase %s has ordinal %d, want %d", et, id, pd.Ordinal, i))
		}
		if seenTerminal && !pd.Terminal {
			problems = append(problems, fmt.Sprintf("%s: phase %s follows a terminal phase", et, id))
		}
		seenTerminal = seenTerminal || pd.Terminal

		p.index[id] = len(p.phases)
		p.phases = append(p.phases, domain.Phase{
			ID:          id,
			Label:       pd.Label,
			Description: pd.Description,
			Ordinal:     pd.Ordinal,
			Terminal:    pd.Terminal,
		})

		items, errs := buildRequirements(et, id, pd)
		problems = append(problems, errs...)
		p.requirements[id] = items
	}
	if len(p.phases) > 0 && p.phases[0].Terminal {
		problems = append(problems, fmt.Sprintf("%s: first phase cannot be terminal", et))
	}
	return p, problems
}

func buildRequirements(et domain.EntityType, phase domain.PhaseID, pd PhaseDef) ([]domain.RequirementItem, []string) {
	var problems []string
	items := make([]domain.RequirementItem, 0, len(pd.Documents)+len(pd.Tasks))

	seen := make(map[string]bool)
	for _, d := range pd.Documents {
		scope := domain.RequirementScope(d.Scope)
		if scope == "" {
			scope = domain.ScopeEntity
		}
		switch {
		case d.Ref == "":
			problems = append(problems, fmt.Sprintf("%s/%s: document without ref", et, phase))
			continue
		case seen["d:"+d.Ref]:
			problems = append(problems, fmt.Sprintf("%s/%s: duplicate document %s", et, phase, d.Ref))
			continue
		case scope != domain.ScopeEntity && scope != domain.ScopeOwner:
			problems = append(problems, fmt.Sprintf("%s/%s: document %s has unknown scope %q", et, phase, d.Ref, d.Scope))
			continue
		case scope == domain.ScopeOwner && !et.IsProperty():
			problems = append(problems, fmt.Sprintf("%s/%s: owner scope is only valid for properties", et, phase))
			continue
		}
		seen["d:"+d.Ref] = true
		items = append(items, domain.RequirementItem{
			EntityType:  et,
			Phase:       phase,
			Kind:        domain.RequirementDocument,
			TemplateRef: d.Ref,
			Label:       labelOr(d.Label, d.Ref),
			Mandatory:   d.Mandatory,
			Scope:       scope,
		})
	}

	for _, t := range pd.Tasks {
		prio := domain.TaskPriority(t.Priority)
		if prio == "" {
			prio = domain.PriorityMedium
		}
		switch {
		case t.Ref == "":
			problems = append(problems, fmt.Sprintf("%s/%s: task without ref", et, phase))
			continue
		case seen["t:"+t.Ref]:
			problems = append(problems, fmt.Sprintf("%s/%s: duplicate task %s", et, phase, t.Ref))
			continue
		case !prio.IsValid():
			problems = append(problems, fmt.Sprintf("%s/%s: task %s has unknown priority %q", et, phase, t.Ref, t.Priority))
			continue
		}
		seen["t:"+t.Ref] = true
		items = append(items, domain.RequirementItem{
			EntityType:  et,
			Phase:       phase,
			Kind:        domain.RequirementTask,
			TemplateRef: t.Ref,
			Label:       labelOr(t.Label, t.Ref),
			Mandatory:   t.Mandatory,
			Scope:       domain.ScopeEntity,
			Priority:    prio,
		})
	}
	return items, problems
}

func labelOr(label, ref string) string {
	if label == "" {
		return ref
	}
	return label
}

func (c *Catalog) pipeline(et domain.EntityType) (*pipeline, error) {
	p, ok := c.pipelines[et]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownEntityType, fmt.Sprintf("unknown entity type %q", et))
	}
	return p, nil
}

// PhasesFor returns the ordered phases of an entity type.
func (c *Catalog) PhasesFor(et domain.EntityType) ([]domain.Phase, error) {
	p, err := c.pipeline(et)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Phase, len(p.phases))
	copy(out, p.phases)
	return out, nil
}

// Phase looks up a phase by id.
func (c *Catalog) Phase(et domain.EntityType, id domain.PhaseID) (domain.Phase, error) {
	p, err := c.pipeline(et)
	if err != nil {
		return domain.Phase{}, err
	}
	i, ok := p.index[id]
	if !ok {
		return domain.Phase{}, domain.NewEngineError(domain.ErrPhaseNotFound, fmt.Sprintf("phase %q does not exist for %s", id, et))
	}
	return p.phases[i], nil
}

// PhaseByOrdinal looks up a phase by position.
func (c *Catalog) PhaseByOrdinal(et domain.EntityType, ordinal int) (domain.Phase, error) {
	p, err := c.pipeline(et)
	if err != nil {
		return domain.Phase{}, err
	}
	if ordinal < 0 || ordinal >= len(p.phases) {
		return domain.Phase{}, domain.NewEngineError(domain.ErrPhaseNotFound, fmt.Sprintf("ordinal %d out of range for %s", ordinal, et))
	}
	return p.phases[ordinal], nil
}

// First returns the entry phase of an entity type.
func (c *Catalog) First(et domain.EntityType) (domain.Phase, error) {
	return c.PhaseByOrdinal(et, 0)
}

// LastActive returns the highest non-terminal phase, the one conversions start from.
func (c *Catalog) LastActive(et domain.EntityType) (domain.Phase, error) {
	p, err := c.pipeline(et)
	if err != nil {
		return domain.Phase{}, err
	}
	for i := len(p.phases) - 1; i >= 0; i-- {
		if !p.phases[i].Terminal {
			return p.phases[i], nil
		}
	}
	return domain.Phase{}, domain.NewEngineError(domain.ErrPhaseNotFound, fmt.Sprintf("%s has no active phase", et))
}

// Next returns the phase after id. ok is false at the end of the pipeline.
func (c *Catalog) Next(et domain.EntityType, id domain.PhaseID) (next domain.Phase, ok bool, err error) {
	cur, err := c.Phase(et, id)
	if err != nil {
		return domain.Phase{}, false, err
	}
	p, _ := c.pipeline(et)
	if cur.Ordinal+1 >= len(p.phases) {
		return domain.Phase{}, false, nil
	}
	return p.phases[cur.Ordinal+1], true, nil
}

// Previous returns the phase before id. ok is false at the start of the pipeline.
func (c *Catalog) Previous(et domain.EntityType, id domain.PhaseID) (prev domain.Phase, ok bool, err error) {
	cur, err := c.Phase(et, id)
	if err != nil {
		return domain.Phase{}, false, err
	}
	if cur.Ordinal == 0 {
		return domain.Phase{}, false, nil
	}
	p, _ := c.pipeline(et)
	return p.phases[cur.Ordinal-1], true, nil
}

// RequirementsFor returns every requirement of (et, phase).
func (c *Catalog) RequirementsFor(et domain.EntityType, phase domain.PhaseID) ([]domain.RequirementItem, error) {
	if _, err := c.Phase(et, phase); err != nil {
		return nil, err
	}
	p, _ := c.pipeline(et)
	items := p.requirements[phase]
	out := make([]domain.RequirementItem, len(items))
	copy(out, items)
	return out, nil
}

// DocumentRequirements returns the document requirements of (et, phase).
func (c *Catalog) DocumentRequirements(et domain.EntityType, phase domain.PhaseID) ([]domain.RequirementItem, error) {
	return c.requirementsOfKind(et, phase, domain.RequirementDocument)
}

// TaskTemplates returns the task templates of (et, phase).
func (c *Catalog) TaskTemplates(et domain.EntityType, phase domain.PhaseID) ([]domain.RequirementItem, error) {
	return c.requirementsOfKind(et, phase, domain.RequirementTask)
}

func (c *Catalog) requirementsOfKind(et domain.EntityType, phase domain.PhaseID, kind domain.RequirementKind) ([]domain.RequirementItem, error) {
	items, err := c.RequirementsFor(et, phase)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out, nil
}

// IsMandatory reports whether the referenced requirement blocks forward transitions.
// Unknown references are never mandatory.
func (c *Catalog) IsMandatory(et domain.EntityType, phase domain.PhaseID, kind domain.RequirementKind, ref string) bool {
	items, err := c.RequirementsFor(et, phase)
	if err != nil {
		return false
	}
	for _, it := range items {
		if it.Kind == kind && it.TemplateRef == ref {
			return it.Mandatory
		}
	}
	return false
}
