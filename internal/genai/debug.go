package genai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openai/openai-go"
)

// writeDebug stores one request/response pair as JSON under stateDir/debug.
func (c *Client) writeDebug(method, model string, params openai.ChatCompletionNewParams, response string) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("genai.Client.writeDebug: failed to create debug dir", "dir", dir, "error", err)
		return
	}
	now := c.clock()
	entry := map[string]interface{}{
		"timestamp": now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"method":    method,
		"model":     model,
		"params":    params,
		"response":  response,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.Client.writeDebug: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.UTC().Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("genai.Client.writeDebug: write failed", "error", err)
	}
}
