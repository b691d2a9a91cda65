package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stevehiehn/tmtgo/internal/engine"
	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/hardware"
	"github.com/stevehiehn/tmtgo/internal/plan"
	"github.com/stevehiehn/tmtgo/internal/result"
	"github.com/stevehiehn/tmtgo/internal/state"
	"github.com/stevehiehn/tmtgo/internal/workdir"
)

type toolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var builtinTools = []toolDef{
	{Name: "plan.validate", Description: "Validate a plan YAML file", InputSchema: object(map[string]any{
		"file": map[string]any{"type": "string"}}, "file")},
	{Name: "plan.explain", Description: "Show the guests, tests and phases of a plan without running it", InputSchema: object(map[string]any{
		"file": map[string]any{"type": "string"}}, "file")},
	{Name: "hardware.validate", Description: "Validate a hardware requirement", InputSchema: object(map[string]any{
		"hardware": map[string]any{"type": "object"}}, "hardware")},
	{Name: "hardware.evaluate", Description: "Check whether a guest profile satisfies a hardware requirement", InputSchema: object(map[string]any{
		"hardware": map[string]any{"type": "object"},
		"profile":  map[string]any{"type": "object"}}, "hardware", "profile")},
	{Name: "run.status", Description: "Show the step and guest state of a run directory", InputSchema: object(map[string]any{
		"dir": map[string]any{"type": "string"}}, "dir")},
	{Name: "plan.schema", Description: "Return the plan YAML schema", InputSchema: object(map[string]any{})},
}

func (s *Server) dispatch(req JSONRPCRequest) *JSONRPCResponse {
	s.Logger.Debug("request", zap.String("method", req.Method))
	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "tmtgo", "version": s.Version},
		}}
	case "tools/list":
		return &JSONRPCResponse{Result: map[string]any{"tools": builtinTools}}
	case "tools/call":
		return s.handleToolCall(req.Params)
	case "notifications/initialized":
		return &JSONRPCResponse{Result: map[string]any{}}
	case "ping":
		return &JSONRPCResponse{Result: map[string]any{}}
	default:
		return &JSONRPCResponse{Error: &RPCError{Code: -32601, Message: "Method not found"}}
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolArgs struct {
	File     string          `json:"file"`
	Dir      string          `json:"dir"`
	Hardware json.RawMessage `json:"hardware"`
	Profile  json.RawMessage `json:"profile"`
}

func (s *Server) handleToolCall(params json.RawMessage) *JSONRPCResponse {
	var tc toolCallParams
	if err := json.Unmarshal(params, &tc); err != nil {
		return &JSONRPCResponse{Error: &RPCError{Code: -32602, Message: "Invalid params"}}
	}
	var args toolArgs
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return &JSONRPCResponse{Error: &RPCError{Code: -32602, Message: "Invalid arguments: " + err.Error()}}
		}
	}
	s.Logger.Info("tool call", zap.String("tool", tc.Name))

	switch tc.Name {
	case "plan.validate":
		return s.toolValidate(args.File)
	case "plan.explain":
		return s.toolExplain(args.File)
	case "hardware.validate":
		return toolHardwareValidate(args.Hardware)
	case "hardware.evaluate":
		return toolHardwareEvaluate(args.Hardware, args.Profile)
	case "run.status":
		return s.toolStatus(args.Dir)
	case "plan.schema":
		return &JSONRPCResponse{Result: toolContent(schemaText)}
	default:
		return &JSONRPCResponse{Error: &RPCError{Code: -32602, Message: "Unknown tool: " + tc.Name}}
	}
}

func (s *Server) loadPlan(file string) (*plan.Plan, error) {
	if file == "" {
		return nil, tmterrors.NewValidationError("file is required", "pass the path of a plan YAML file")
	}
	p, err := plan.LoadFile(resolvePath(file, s.WorkDir))
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Server) toolValidate(file string) *JSONRPCResponse {
	if _, err := s.loadPlan(file); err != nil {
		return &JSONRPCResponse{Result: toolError("Validation failed: " + tmterrors.Describe(err, false))}
	}
	return &JSONRPCResponse{Result: toolContent("Plan is valid.")}
}

func (s *Server) toolExplain(file string) *JSONRPCResponse {
	p, err := s.loadPlan(file)
	if err != nil {
		return &JSONRPCResponse{Result: toolError(tmterrors.Describe(err, false))}
	}
	ex, err := engine.Explain(p)
	if err != nil {
		return &JSONRPCResponse{Result: toolError(tmterrors.Describe(err, false))}
	}
	data, _ := json.MarshalIndent(ex, "", "  ")
	return &JSONRPCResponse{Result: toolContent(string(data))}
}

func decodeRequirement(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, tmterrors.NewValidationError("hardware is required", "pass a hardware requirement object")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding hardware: %w", err)
	}
	return doc, nil
}

func toolHardwareValidate(raw json.RawMessage) *JSONRPCResponse {
	doc, err := decodeRequirement(raw)
	if err == nil {
		err = hardware.Validate(doc)
	}
	if err != nil {
		return &JSONRPCResponse{Result: toolError("Invalid hardware requirement: " + tmterrors.Describe(err, false))}
	}
	return &JSONRPCResponse{Result: toolContent("Hardware requirement is valid.")}
}

func toolHardwareEvaluate(rawHardware, rawProfile json.RawMessage) *JSONRPCResponse {
	doc, err := decodeRequirement(rawHardware)
	if err == nil {
		err = hardware.Validate(doc)
	}
	if err != nil {
		return &JSONRPCResponse{Result: toolError("Invalid hardware requirement: " + tmterrors.Describe(err, false))}
	}
	c, err := hardware.Parse(doc)
	if err != nil {
		return &JSONRPCResponse{Result: toolError(err.Error())}
	}
	// JSON is YAML, so the profile decodes with the size units the YAML
	// form accepts.
	var profile hardware.Profile
	if len(rawProfile) > 0 {
		if err := yaml.Unmarshal(rawProfile, &profile); err != nil {
			return &JSONRPCResponse{Result: toolError("Invalid profile: " + err.Error())}
		}
	}
	data, _ := json.MarshalIndent(map[string]any{
		"matches":  hardware.Evaluate(c, profile),
		"hardware": hardware.Raw(c),
	}, "", "  ")
	return &JSONRPCResponse{Result: toolContent(string(data))}
}

func (s *Server) toolStatus(dir string) *JSONRPCResponse {
	if dir == "" {
		return &JSONRPCResponse{Result: toolError("dir is required")}
	}
	dir = resolvePath(dir, s.WorkDir)
	rs, err := state.Read(dir)
	if errors.Is(err, state.ErrNotFound) {
		return &JSONRPCResponse{Result: toolError("No run found in " + dir)}
	}
	if err != nil {
		return &JSONRPCResponse{Result: toolError(err.Error())}
	}
	text := rs.String()
	run := &workdir.Run{ID: rs.RunID, Dir: dir}
	results, err := result.Load(run.ResultsFile())
	switch {
	case err == nil:
		text += "Results: " + result.Summarize(results).String() + "\n"
	case !errors.Is(err, os.ErrNotExist):
		text += "Results: " + err.Error() + "\n"
	}
	return &JSONRPCResponse{Result: toolContent(text)}
}

func toolContent(text string) map[string]any {
	return map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
}

func toolError(text string) map[string]any {
	out := toolContent(text)
	out["isError"] = true
	return out
}

func resolvePath(file, workDir string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(workDir, file)
}

const schemaText = `Plan YAML Schema:
  name: string (required)
  summary: string
  environment: map[string]string
  hardware: hardware requirement (applies to every guest)
  discover:
    tree: string (directory copied into the run, default: plan directory)
    directory: string (test files *.yaml, relative to the tree)
    source: string (.tar.gz archive extracted for the tests)
    filter: [glob] (keep tests whose name matches)
    tests:
      - name: string (required, unique)
        test: string (shell command, required)
        path: string (working directory, relative to the tree)
        result: respect | custom (default: respect)
        duration: string (e.g. 5m, 1h30m, plain seconds; default: 5m)
        environment: map[string]string
        hardware: hardware requirement
        where: [guest name or role]
  provision:
    - name: string (required, unique)
      how: container | virtual | connect | local
      role: string
      connection: string
      wait-for: [guest name or role]
      image: string (container, virtual)
      hardware: hardware requirement
      address, user, port, key: connect details
      options: map[string]string (backend specific)
  prepare:
    - name: string
      how: shell | install | file
      script: string (shell, template-resolved)
      package: [string] (install)
      path, content, append: (file, content template-resolved)
      where: [guest name or role]
      order: int (default: 50)
  execute:
    exit-first: bool
  report:
    metrics: bool (default: true, writes report/metrics.prom)
  finish: same as prepare, failures are logged and ignored
  Hardware requirement: a tree of attributes (arch, cpu, memory, disk,
  network, system, tpm, virtualization, boot, compatible, hostname) with
  "and" and "or" lists. Values take an operator prefix: =, !=, >, >=, <, <=,
  ~ (regex), !~.`
