package types

// ApplicationRequest is the payload for application lifecycle endpoints.
type ApplicationRequest struct {
	Recipe Recipe    `json:"recipe"`
	Model  ModelInfo `json:"model"`
}

// ApplicationOpRequest identifies an existing application for
// stop/remove/restart endpoints.
type ApplicationOpRequest struct {
	RecipeID string `json:"recipe_id" example:"chatbot"`
	ModelID  string `json:"model_id" example:"tinyllama-q4"`
}

// PlaygroundStartRequest is the payload for POST /playgrounds/start.
type PlaygroundStartRequest struct {
	// Model identifier, resolved against the local catalog.
	// example: tinyllama-q4
	ModelID string `json:"model_id" example:"tinyllama-q4"`
}

// PlaygroundStopRequest is the payload for POST /playgrounds/stop.
type PlaygroundStopRequest struct {
	ModelID string `json:"model_id" example:"tinyllama-q4"`
}

// QueryRequest is the payload for POST /playgrounds/query.
type QueryRequest struct {
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	// Prompt text to send to the model.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
}

// ApplicationStatus is one entry of GET /applications.
type ApplicationStatus struct {
	RecipeID string `json:"recipe_id" example:"chatbot"`
	ModelID  string `json:"model_id" example:"tinyllama-q4"`
	// Engine pod backing this application.
	PodID   string `json:"pod_id,omitempty"`
	PodName string `json:"pod_name,omitempty"`
	// Engine-reported pod status (e.g. Running, Exited).
	PodStatus string `json:"pod_status,omitempty" example:"Running"`
	// Aggregate health: starting, healthy, degraded, unhealthy or none.
	Health string `json:"health" example:"healthy"`
	// Host ports exposed by application containers.
	AppPorts []int `json:"app_ports,omitempty"`
	// Host ports exposed by the model service container.
	ModelPorts []int `json:"model_ports,omitempty"`
}

// PlaygroundStatus is one entry of GET /playgrounds.
type PlaygroundStatus struct {
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	// Lifecycle status: none, starting, running, stopping, stopped or error.
	Status      string `json:"status" example:"running"`
	ContainerID string `json:"container_id,omitempty"`
	EngineID    string `json:"engine_id,omitempty"`
	// Host port serving the playground HTTP endpoint.
	Port int `json:"port,omitempty" example:"35001"`
	// Last error observed for this playground, if any.
	Error string `json:"error,omitempty"`
}

// QueryStatus is one entry of GET /queries.
type QueryStatus struct {
	// Monotonic query id, unique for the process lifetime.
	ID      int64  `json:"id" example:"1"`
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	Prompt  string `json:"prompt"`
	// Accumulated response text; grows while the query streams.
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TaskStatus is one entry of GET /tasks.
type TaskStatus struct {
	ID   string `json:"id"`
	Name string `json:"name" example:"Building images"`
	// Task state: loading, success or error.
	State  string            `json:"state" example:"loading"`
	Error  string            `json:"error,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
