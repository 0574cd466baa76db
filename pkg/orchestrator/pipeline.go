package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"foreman/pkg/protocol"
)

// DefaultPipelinesYAML is written by `foreman init` and parsed as the
// built-in fallback when no pipelines file exists.
const DefaultPipelinesYAML = `# Stage-to-agent mapping per named pipeline. Every working stage needs
# an agent; branch pipelines follow the same shape as default.
pipelines:
  default:
    CREATED: planner
    PLANNING: designer
    DESIGNING: implementer
    IMPLEMENTING: reviewer
    REVIEWING: tester
    TESTING: integrator
    INTEGRATING: finalizer
`

// Pipelines maps pipeline names to their stage-to-agent tables.
type Pipelines struct {
	byName map[string]map[protocol.TaskStatus]string
}

type pipelinesFile struct {
	Pipelines map[string]map[string]string `yaml:"pipelines"`
}

// LoadPipelines reads a pipelines file. A missing file yields the
// built-in default pipeline.
func LoadPipelines(path string) (*Pipelines, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			return parsePipelines([]byte(DefaultPipelinesYAML))
		}
		return nil, fmt.Errorf("read pipelines: %w", err)
	}
	p, err := parsePipelines(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

func parsePipelines(data []byte) (*Pipelines, error) {
	var file pipelinesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Pipelines) == 0 {
		return nil, fmt.Errorf("no pipelines defined")
	}

	out := &Pipelines{byName: make(map[string]map[protocol.TaskStatus]string, len(file.Pipelines))}
	for name, stages := range file.Pipelines {
		table := make(map[protocol.TaskStatus]string, len(stages))
		for stage, agent := range stages {
			table[protocol.TaskStatus(stage)] = agent
		}
		for _, stage := range protocol.PipelineStages() {
			if table[stage] == "" {
				return nil, fmt.Errorf("pipeline %q: no agent for stage %s", name, stage)
			}
		}
		out.byName[name] = table
	}
	return out, nil
}

// AgentFor returns the agent responsible for a stage of the named
// pipeline.
func (p *Pipelines) AgentFor(pipeline string, stage protocol.TaskStatus) (string, error) {
	table, ok := p.byName[pipeline]
	if !ok {
		return "", fmt.Errorf("unknown pipeline %q", pipeline)
	}
	agent, ok := table[stage]
	if !ok {
		return "", fmt.Errorf("pipeline %q has no agent for stage %s", pipeline, stage)
	}
	return agent, nil
}

// Names returns the defined pipeline names.
func (p *Pipelines) Names() []string {
	out := make([]string, 0, len(p.byName))
	for name := range p.byName {
		out = append(out, name)
	}
	return out
}
