package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/skipperhq/skipper/internal/governance"
	"github.com/skipperhq/skipper/internal/sensors"
)

// RegisterBuiltins registers the built-in filesystem and system tools.
func RegisterBuiltins(r *Registry, poller *sensors.Poller) {
	r.Register(ListDirectoryDefinition(), listDirectory)
	r.Register(ReadFileDefinition(), readFile)
	r.Register(SystemInfoDefinition(), systemInfo(poller))
}

// ListDirectoryDefinition describes the list_directory tool.
func ListDirectoryDefinition() Definition {
	return Definition{
		Name:        "list_directory",
		Category:    "filesystem",
		Description: "List the entries of a directory. Hidden entries are excluded unless include_hidden is true.",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Required: true, Description: "Absolute directory path"},
			{Name: "include_hidden", Type: "boolean", Required: false, Default: false, Description: "Include dotfiles"},
		},
		RiskLevel:      "low",
		TimeoutSeconds: 10,
	}
}

func listDirectory(_ context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	includeHidden, _ := args["include_hidden"].(bool)

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !includeHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out, err := json.Marshal(map[string]any{
		"path":    path,
		"entries": names,
		"count":   len(names),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ReadFileDefinition describes the read_file tool.
func ReadFileDefinition() Definition {
	return Definition{
		Name:        "read_file",
		Category:    "filesystem",
		Description: "Read a text file and return its contents.",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Required: true, Description: "Absolute file path"},
			{Name: "max_bytes", Type: "number", Required: false, Default: float64(256 << 10), Description: "Truncate after this many bytes"},
		},
		RiskLevel:      "medium",
		TimeoutSeconds: 10,
	}
}

func readFile(_ context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	maxBytes := int64(256 << 10)
	if mb, ok := args["max_bytes"].(float64); ok && mb > 0 {
		maxBytes = int64(mb)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	truncated := false
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}

	out, err := json.Marshal(map[string]any{
		"path":      path,
		"content":   string(data),
		"truncated": truncated,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SystemInfoDefinition describes the system_info tool.
func SystemInfoDefinition() Definition {
	return Definition{
		Name:        "system_info",
		Category:    "system",
		Description: "Report host OS, architecture, and current resource utilization.",
		Parameters:  []Parameter{},
		RiskLevel:   "low",
		AllowedModes: []governance.Mode{
			governance.ModeNormal, governance.ModeAlert, governance.ModeRecovery,
		},
		TimeoutSeconds: 15,
	}
}

func systemInfo(poller *sensors.Poller) Runner {
	return func(ctx context.Context, _ map[string]any) (string, error) {
		info := map[string]any{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
			"cpus": runtime.NumCPU(),
		}
		if poller != nil {
			for k, v := range poller.PollSystemMetrics(ctx) {
				info[k] = v
			}
		}
		out, err := json.Marshal(info)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}
