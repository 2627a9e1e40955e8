package workload

import (
	"strconv"
	"strings"
)

// Label keys written on engine resources at creation time. They are the sole
// adoption key: once written they are never rewritten, and every identity
// recovered on restart is parsed back out of them.
const (
	LabelSchema     = "ai-lab-schema"
	LabelKind       = "ai-lab-workload"
	LabelRecipeID   = "ai-lab-recipe-id"
	LabelModelID    = "ai-lab-model-id"
	LabelModelPort  = "ai-lab-model-port"
	LabelAppPorts   = "ai-lab-app-ports"
	LabelModelPorts = "ai-lab-model-ports"

	// SchemaV1 is the current label schema version.
	SchemaV1 = "v1"

	// Values for LabelKind. Applications and playgrounds can share a model,
	// so the kind keeps their resources and task histories apart.
	KindApplication = "application"
	KindPlayground  = "playground"
)

// ApplicationLabels encodes an application identity for pod/container creation.
func ApplicationLabels(key ApplicationKey) map[string]string {
	return map[string]string{
		LabelSchema:   SchemaV1,
		LabelKind:     KindApplication,
		LabelRecipeID: key.RecipeID,
		LabelModelID:  key.ModelID,
	}
}

// PlaygroundLabels encodes a playground identity for container creation.
func PlaygroundLabels(key PlaygroundKey, port int) map[string]string {
	return map[string]string{
		LabelSchema:    SchemaV1,
		LabelKind:      KindPlayground,
		LabelModelID:   key.ModelID,
		LabelModelPort: strconv.Itoa(port),
	}
}

// ParseApplicationKey recovers an application key from resource labels.
// Labels are external input: missing or empty ids mean the resource is not
// ours (or predates the schema) and adoption must skip it.
func ParseApplicationKey(labels map[string]string) (ApplicationKey, bool) {
	key := ApplicationKey{RecipeID: labels[LabelRecipeID], ModelID: labels[LabelModelID]}
	if key.RecipeID == "" || key.ModelID == "" {
		return ApplicationKey{}, false
	}
	return key, true
}

// ParsePlaygroundKey recovers a playground key and its published port.
// A missing or malformed port label rejects the resource.
func ParsePlaygroundKey(labels map[string]string) (PlaygroundKey, int, bool) {
	id := labels[LabelModelID]
	if id == "" {
		return PlaygroundKey{}, 0, false
	}
	port, err := strconv.Atoi(labels[LabelModelPort])
	if err != nil || port <= 0 {
		return PlaygroundKey{}, 0, false
	}
	return PlaygroundKey{ModelID: id}, port, true
}

// EncodePorts joins a port list into a single comma-separated label value.
func EncodePorts(ports []int) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ",")
}

// ParsePorts splits a comma-joined port label. Malformed entries are skipped,
// not fatal: a half-broken label still yields every port it does carry.
func ParsePorts(value string) []int {
	if value == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		p, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || p <= 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}
