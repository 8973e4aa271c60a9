package maestro

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Options are used to configure a workflow.
type Options struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []*Step        `json:"steps" yaml:"steps"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Context     map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// Workflow is an immutable graph of steps. Published definitions are never
// mutated; a new version is a new definition.
type Workflow struct {
	name           string
	version        string
	description    string
	steps          []*Step
	stepsByName    map[string]*Step
	start          *Step
	initialContext map[string]any
}

// New returns a new Workflow configured with the given options.
func New(opts Options) (*Workflow, error) {
	if opts.Name == "" {
		return nil, &ValidationError{Field: "name", Message: "workflow name required"}
	}
	if len(opts.Steps) == 0 {
		return nil, &ValidationError{Field: "steps", Message: "steps required"}
	}

	stepsByName := make(map[string]*Step, len(opts.Steps))
	for _, step := range opts.Steps {
		if step.Name == "" {
			return nil, &ValidationError{Field: "steps", Message: "step name required"}
		}
		if _, ok := stepsByName[step.Name]; ok {
			return nil, &ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step %q", step.Name)}
		}
		stepsByName[step.Name] = step
	}

	if err := validateSteps(stepsByName); err != nil {
		return nil, err
	}

	return &Workflow{
		name:           opts.Name,
		version:        opts.Version,
		description:    opts.Description,
		steps:          opts.Steps,
		stepsByName:    stepsByName,
		start:          opts.Steps[0],
		initialContext: opts.Context,
	}, nil
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	return w.name
}

// Version returns the workflow version
func (w *Workflow) Version() string {
	return w.version
}

// Description returns the workflow description
func (w *Workflow) Description() string {
	return w.description
}

// Steps returns the workflow steps
func (w *Workflow) Steps() []*Step {
	return w.steps
}

// Start returns the workflow entry step
func (w *Workflow) Start() *Step {
	return w.start
}

// InitialContext returns the context values seeded into every execution
func (w *Workflow) InitialContext() map[string]any {
	return w.initialContext
}

// GetStep returns a step by name
func (w *Workflow) GetStep(name string) (*Step, bool) {
	step, ok := w.stepsByName[name]
	return step, ok
}

// StepNames returns the names of all steps in the workflow
func (w *Workflow) StepNames() []string {
	names := make([]string, 0, len(w.stepsByName))
	for name := range w.stepsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateSteps checks the structural integrity of the step graph.
func validateSteps(stepsByName map[string]*Step) error {
	for _, step := range stepsByName {
		for _, edge := range step.Next {
			if _, ok := stepsByName[edge.Step]; !ok {
				return &ValidationError{
					Field:   step.Name,
					Message: fmt.Sprintf("edge to step %q not found", edge.Step),
				}
			}
		}
		switch step.EffectiveType() {
		case StepTypeTask:
			if step.Handler == "" {
				return &ValidationError{Field: step.Name, Message: "task step requires a handler"}
			}
		case StepTypeDecision:
			if step.Handler == "" {
				return &ValidationError{Field: step.Name, Message: "decision step requires a handler"}
			}
			if len(step.Next) == 0 {
				return &ValidationError{Field: step.Name, Message: "decision step requires successors"}
			}
		case StepTypeApproval:
			if step.Approval == nil || step.Approval.ProposedAction == "" {
				return &ValidationError{Field: step.Name, Message: "approval step requires a proposed action"}
			}
		case StepTypeParallel:
			if step.Gateway == nil || len(step.Gateway.Branches) == 0 {
				return &ValidationError{Field: step.Name, Message: "parallel step requires gateway branches"}
			}
			seen := map[string]bool{}
			for _, branch := range step.Gateway.Branches {
				if branch.Name == "" || branch.Step == "" {
					return &ValidationError{Field: step.Name, Message: "gateway branch requires name and step"}
				}
				if seen[branch.Name] {
					return &ValidationError{Field: step.Name, Message: fmt.Sprintf("duplicate gateway branch %q", branch.Name)}
				}
				seen[branch.Name] = true
				if _, ok := stepsByName[branch.Step]; !ok {
					return &ValidationError{
						Field:   step.Name,
						Message: fmt.Sprintf("gateway branch %q entry step %q not found", branch.Name, branch.Step),
					}
				}
			}
		case StepTypeGroupChat:
			if step.Chat == nil || len(step.Chat.Participants) == 0 {
				return &ValidationError{Field: step.Name, Message: "group chat step requires participants"}
			}
		case StepTypeHandoff:
			if step.Handoff == nil || step.Handoff.Capability == "" {
				return &ValidationError{Field: step.Name, Message: "handoff step requires a capability"}
			}
		case StepTypeSubWorkflow:
			if step.SubWorkflow == nil || step.SubWorkflow.Workflow == "" {
				return &ValidationError{Field: step.Name, Message: "sub-workflow step requires a workflow name"}
			}
		default:
			return &ValidationError{Field: step.Name, Message: fmt.Sprintf("unknown step type %q", step.Type)}
		}
	}
	return nil
}

// LoadFile loads a workflow from a YAML file
func LoadFile(path string) (*Workflow, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadString(string(yamlData))
}

// LoadString loads a workflow from a YAML string
func LoadString(data string) (*Workflow, error) {
	if err := ValidateDefinitionYAML(data); err != nil {
		return nil, err
	}
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	return New(opts)
}
