package mcphost

import (
	"encoding/json"
	"net/http"
)

// infoResponse is the introspection document. Tool and prompt parameters are rendered
// as simplified type summaries, e.g. "number" or "string (optional)".
type infoResponse struct {
	Name      string                       `json:"name"`
	Version   string                       `json:"version"`
	Tools     map[string]map[string]string `json:"tools"`
	Resources []string                     `json:"resources"`
	Prompts   map[string]map[string]string `json:"prompts"`
}

// InfoHandler returns the handler for the introspection endpoint. It reports the
// server's identity and everything currently registered.
func InfoHandler(info Info, registry *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resources := make([]string, 0)
		for _, res := range registry.Resources() {
			resources = append(resources, res.URI)
		}
		for _, tmpl := range registry.ResourceTemplates() {
			resources = append(resources, tmpl.URITemplate)
		}

		res := infoResponse{
			Name:      info.Name,
			Version:   info.Version,
			Tools:     registry.toolSummaries(),
			Resources: resources,
			Prompts:   registry.promptSummaries(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
