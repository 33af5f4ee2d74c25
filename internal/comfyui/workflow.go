package comfyui

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

// Node ids in the embedded sketch-to-photo graph. The template is the
// contract with the runner; prompts and the source image are injected into
// these three nodes.
const (
	positivePromptNode = "35"
	negativePromptNode = "7"
	sourceImageNode    = "13"
)

//go:embed workflow_sketch_to_photo.json
var workflowTemplate []byte

// Workflow is a ComfyUI prompt graph keyed by node id.
type Workflow map[string]Node

type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// BuildWorkflow instantiates the embedded template with the caller's prompts
// and the runner-side name of the uploaded source image.
func BuildWorkflow(prompt, negativePrompt, imageName string) (Workflow, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	imageName = strings.TrimSpace(imageName)
	if imageName == "" {
		return nil, fmt.Errorf("source image name is required")
	}

	var wf Workflow
	if err := json.Unmarshal(workflowTemplate, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow template: %w", err)
	}

	if err := wf.setInput(positivePromptNode, "text", prompt); err != nil {
		return nil, err
	}
	if negativePrompt = strings.TrimSpace(negativePrompt); negativePrompt != "" {
		if err := wf.setInput(negativePromptNode, "text", negativePrompt); err != nil {
			return nil, err
		}
	}
	if err := wf.setInput(sourceImageNode, "image", imageName); err != nil {
		return nil, err
	}

	return wf, nil
}

func (wf Workflow) setInput(nodeID, key string, value any) error {
	node, ok := wf[nodeID]
	if !ok {
		return fmt.Errorf("workflow template is missing node %s", nodeID)
	}
	if node.Inputs == nil {
		node.Inputs = make(map[string]any)
	}
	node.Inputs[key] = value
	wf[nodeID] = node
	return nil
}
