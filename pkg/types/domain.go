package types

// ModelInfo describes a model that playgrounds and applications can serve.
type ModelInfo struct {
	// Stable identifier for the model.
	// example: tinyllama-q4
	ID string `json:"id" example:"tinyllama-q4"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name,omitempty" example:"TinyLlama (Q4)"`
	// Absolute path to the model file on disk, when resolved locally.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path,omitempty" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Optional remote URL the model can be downloaded from.
	URL string `json:"url,omitempty"`
}

// Recipe identifies a provisionable application recipe.
type Recipe struct {
	// Stable identifier for the recipe.
	// example: chatbot
	ID string `json:"id" example:"chatbot"`
	// Human-friendly name.
	// example: ChatBot
	Name string `json:"name,omitempty" example:"ChatBot"`
	// Git repository holding the recipe sources.
	// example: https://github.com/containers/ai-lab-recipes
	RepoURL string `json:"repository" example:"https://github.com/containers/ai-lab-recipes"`
	// Git ref to check out; empty means the remote default branch.
	// example: main
	Ref string `json:"ref,omitempty" example:"main"`
	// Path of the recipe's declarative config inside the repository.
	// example: recipes/natural_language_processing/chatbot/ai-lab.yaml
	ConfigPath string `json:"config_path,omitempty"`
}
