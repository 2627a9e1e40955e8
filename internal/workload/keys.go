// Package workload holds the domain vocabulary shared by the orchestrators:
// composite workload keys, the label schema used to encode identity on engine
// resources, lifecycle status enums and the common error kinds.
package workload

// ApplicationKey identifies one application workload. Keys are plain
// comparable structs so two keys rebuilt from parsed labels compare equal to
// the originals field by field.
type ApplicationKey struct {
	RecipeID string
	ModelID  string
}

// PlaygroundKey identifies one playground workload.
type PlaygroundKey struct {
	ModelID string
}
