package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// BuiltinNames returns the fixed set of builtin source names known to the process.
func BuiltinNames() []string {
	return []string{"utility", "time"}
}

// BuiltinBundle resolves a builtin source name to its capability bundle. Unknown names
// return an error so the loader can warn and skip the source.
func BuiltinBundle(name string) (*Bundle, error) {
	switch name {
	case "utility":
		return utilityBundle(), nil
	case "time":
		return timeBundle(), nil
	default:
		return nil, fmt.Errorf("unknown builtin source %q", name)
	}
}

func utilityBundle() *Bundle {
	return &Bundle{
		Tools: []ToolDef{
			{
				Name:        "echo",
				Description: "Echoes back the input",
				Params: map[string]ParamSpec{
					"message": {Kind: KindString, Description: "Message to echo"},
				},
				Handler: func(_ context.Context, args map[string]any) ([]Content, error) {
					message, ok := args["message"].(string)
					if !ok {
						return nil, fmt.Errorf("message must be a string")
					}
					return []Content{{Type: ContentTypeText, Text: "Echo: " + message}}, nil
				},
			},
			{
				Name:        "add",
				Description: "Adds two numbers",
				Params: map[string]ParamSpec{
					"a": {Kind: KindNumber, Description: "First number"},
					"b": {Kind: KindNumber, Description: "Second number"},
				},
				Handler: func(_ context.Context, args map[string]any) ([]Content, error) {
					a, aOk := args["a"].(float64)
					b, bOk := args["b"].(float64)
					if !aOk || !bOk {
						return nil, fmt.Errorf("a and b must be numbers")
					}
					return []Content{{
						Type: ContentTypeText,
						Text: fmt.Sprintf("The sum of %g and %g is %g.", a, b, a+b),
					}}, nil
				},
			},
			{
				Name:        "printEnv",
				Description: "Prints all environment variables, helpful for debugging MCP server configuration",
				Params:      map[string]ParamSpec{},
				Handler: func(_ context.Context, _ map[string]any) ([]Content, error) {
					env := os.Environ()
					sort.Strings(env)
					envBs, err := json.MarshalIndent(env, "", "  ")
					if err != nil {
						return nil, fmt.Errorf("failed to marshal environment: %w", err)
					}
					return []Content{{Type: ContentTypeText, Text: string(envBs)}}, nil
				},
			},
		},
		Resources: []ResourceDef{
			{
				Template:    "host://hostname",
				Name:        "hostname",
				Description: "The host machine's name",
				MimeType:    "text/plain",
				Handler: func(_ context.Context, uri string, _ map[string]string) ([]ResourceContents, error) {
					hostname, err := os.Hostname()
					if err != nil {
						return nil, err
					}
					return []ResourceContents{{URI: uri, MimeType: "text/plain", Text: hostname}}, nil
				},
			},
			{
				Template:    "host://env/{key}",
				Name:        "env",
				Description: "One environment variable of the host process",
				MimeType:    "text/plain",
				Handler: func(_ context.Context, uri string, vars map[string]string) ([]ResourceContents, error) {
					return []ResourceContents{{
						URI:      uri,
						MimeType: "text/plain",
						Text:     os.Getenv(vars["key"]),
					}}, nil
				},
			},
		},
		Prompts: []PromptDef{
			{
				Name:        "simple_prompt",
				Description: "A prompt without arguments",
				Params:      map[string]ParamSpec{},
				Handler: func(_ context.Context, _ map[string]string) ([]PromptMessage, error) {
					return []PromptMessage{{
						Role:    RoleUser,
						Content: Content{Type: ContentTypeText, Text: "This is a simple prompt without arguments."},
					}}, nil
				},
			},
			{
				Name:        "complex_prompt",
				Description: "A prompt with arguments",
				Params: map[string]ParamSpec{
					"temperature": {Kind: KindNumber, Description: "Temperature setting"},
					"style":       {Kind: KindString, Description: "Output style", Optional: true, Default: "plain"},
				},
				Handler: func(_ context.Context, args map[string]string) ([]PromptMessage, error) {
					style := args["style"]
					if style == "" {
						style = "plain"
					}
					text := fmt.Sprintf(
						"This is a complex prompt with arguments: temperature=%s, style=%s",
						args["temperature"], style)
					return []PromptMessage{{
						Role:    RoleUser,
						Content: Content{Type: ContentTypeText, Text: text},
					}}, nil
				},
			},
		},
	}
}

func timeBundle() *Bundle {
	return &Bundle{
		Tools: []ToolDef{
			{
				Name:        "currentTime",
				Description: "Returns the current time",
				Params: map[string]ParamSpec{
					"format": {
						Kind:        KindString,
						Description: "Go time layout, defaults to RFC3339",
						Optional:    true,
						Default:     time.RFC3339,
					},
				},
				Handler: func(_ context.Context, args map[string]any) ([]Content, error) {
					layout, _ := args["format"].(string)
					if strings.TrimSpace(layout) == "" {
						layout = time.RFC3339
					}
					return []Content{{Type: ContentTypeText, Text: time.Now().Format(layout)}}, nil
				},
			},
		},
		Resources: []ResourceDef{
			{
				Template:    "time://now",
				Name:        "now",
				Description: "The current time in RFC3339",
				MimeType:    "text/plain",
				Handler: func(_ context.Context, uri string, _ map[string]string) ([]ResourceContents, error) {
					return []ResourceContents{{
						URI:      uri,
						MimeType: "text/plain",
						Text:     time.Now().Format(time.RFC3339),
					}}, nil
				},
			},
		},
	}
}
