package plugin

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/cot-agent/internal/trace"
	"go.uber.org/zap"
)

const defaultLinkTimeout = 40 * time.Second

// LinkConfig locates the HTTP tool gateway.
type LinkConfig struct {
	AppID       string
	UID         string
	VersionsURL string
	RunURL      string
	Timeout     time.Duration
}

// SchemaCache stores raw tool schema lists between runs.
type SchemaCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Link is one OpenAPI operation exposed through the tool gateway.
type Link struct {
	Base
	toolID       string
	version      string
	methodSchema map[string]any
	cfg          LinkConfig
	client       *http.Client
}

// ToolID returns the gateway tool id the operation belongs to.
func (l *Link) ToolID() string { return l.toolID }

// Invoke posts the assembled envelope to the gateway run endpoint.
func (l *Link) Invoke(ctx context.Context, input map[string]any, span *trace.Span) (*Result, error) {
	sp := span.Start("LinkRun")
	defer sp.End()

	start := nowMillis()
	bodySchema := dig(l.methodSchema, "requestBody", "content", "application/json", "schema")
	header, query := l.assembleParameters(input, nil)
	body := assembleBody(bodySchema, input, nil)

	message := map[string]any{}
	callback := map[string]any{}
	if s := encodePart(header); s != "" {
		message["header"] = s
		callback["header"] = header
	}
	if s := encodePart(query); s != "" {
		message["query"] = s
		callback["query"] = query
	}
	if s := encodePart(body); s != "" {
		message["body"] = s
		callback["body"] = body
	}
	payload := map[string]any{
		"header": map[string]any{"app_id": l.cfg.AppID, "uid": l.cfg.UID},
		"parameter": map[string]any{
			"tool_id":      l.toolID,
			"operation_id": l.PluginName,
			"version":      l.version,
		},
		"payload": map[string]any{"message": message},
	}
	sp.AddInfoJSON("link-plugin-run-inputs", payload)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal link payload: %w", err)
	}
	timeout := l.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLinkTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, l.cfg.RunURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create link request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s timed out", ErrRunTool, l.PluginName)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrRunTool, l.PluginName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		sp.AddInfoEvents(map[string]string{
			"link-plugin-run-outputs": fmt.Sprintf("response code is %d", resp.StatusCode),
		})
		return nil, fmt.Errorf("%w: %s: status %d", ErrRunTool, l.PluginName, resp.StatusCode)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %w", ErrRunTool, l.PluginName, err)
	}
	sp.AddInfoJSON("link-plugin-run-outputs", result)

	respHeader, _ := result["header"].(map[string]any)
	code, ok := intValue(respHeader["code"])
	if !ok {
		code = -1
	}
	sid, _ := respHeader["sid"].(string)

	return &Result{
		Code:      code,
		SessionID: sid,
		StartTime: start,
		EndTime:   nowMillis(),
		Result:    result,
		Log: []map[string]any{{
			"name":   l.PluginName,
			"input":  callback,
			"output": result,
		}},
	}, nil
}

func (l *Link) assembleParameters(input, business map[string]any) (map[string]any, map[string]any) {
	header := map[string]any{}
	query := map[string]any{}
	params, _ := l.methodSchema["parameters"].([]any)
	for _, p := range params {
		param, ok := p.(map[string]any)
		if !ok {
			continue
		}
		switch param["in"] {
		case "header":
			updateParam(header, param, input, business)
		case "query":
			updateParam(query, param, input, business)
		}
	}
	return header, query
}

// updateParam resolves one header/query value. x-display wins over x-from;
// x-from 0 is model supplied and 1 is business passthrough.
func updateParam(dst map[string]any, param map[string]any, input, business map[string]any) {
	schema, _ := param["schema"].(map[string]any)
	name, _ := param["name"].(string)
	if name == "" {
		name = "unknown_field"
	}
	value := schema["default"]
	if display, ok := schema["x-display"]; ok {
		if truthy(display) {
			value = lookup(input, name, value)
		}
	} else {
		switch from, _ := intValue(schema["x-from"]); {
		case hasKey(schema, "x-from") && from == 0:
			value = lookup(input, name, value)
		case from == 1:
			value = lookup(business, name, value)
		}
	}
	dst[name] = value
}

func assembleBody(schema map[string]any, input, business map[string]any) map[string]any {
	out := map[string]any{}
	props, _ := schema["properties"].(map[string]any)
	for name, d := range props {
		detail, _ := d.(map[string]any)
		if detail["type"] == "object" {
			out[name] = assembleBody(detail, input, business)
			continue
		}
		value := detail["default"]
		if display, ok := detail["x-display"]; ok {
			if truthy(display) {
				value = lookup(input, name, value)
			}
		} else if from, ok := intValue(detail["x-from"]); ok && from == 1 {
			value = lookup(business, name, value)
		} else {
			value = lookup(input, name, value)
		}
		out[name] = value
	}
	return out
}

func encodePart(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// ToolRef names one gateway tool and its version.
type ToolRef struct {
	ToolID  string `json:"tool_id"`
	Version string `json:"version,omitempty"`
}

// LinkFactory discovers gateway tools and builds one Link per operation.
type LinkFactory struct {
	cfg      LinkConfig
	cache    SchemaCache
	cacheTTL time.Duration
	client   *http.Client
	logger   *zap.Logger
}

// NewLinkFactory creates a factory. cache may be nil.
func NewLinkFactory(cfg LinkConfig, cache SchemaCache, cacheTTL time.Duration, logger *zap.Logger) *LinkFactory {
	return &LinkFactory{
		cfg:      cfg,
		cache:    cache,
		cacheTTL: cacheTTL,
		client:   &http.Client{},
		logger:   logger,
	}
}

type toolSchema struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Schema  string `json:"schema"`
}

// Build returns the plugins for the given tools, identified by appID/uid.
func (f *LinkFactory) Build(ctx context.Context, appID, uid string, tools []ToolRef, span *trace.Span) ([]Plugin, error) {
	sp := span.Start("ParseReactSchemaList")
	defer sp.End()

	if len(tools) == 0 {
		return nil, nil
	}
	cfg := f.cfg
	if appID != "" {
		cfg.AppID = appID
	}
	if uid != "" {
		cfg.UID = uid
	}

	schemas, err := f.schemaList(ctx, cfg.AppID, tools, sp)
	if err != nil {
		return nil, err
	}

	var plugins []Plugin
	for _, ts := range schemas {
		if ts.ID == "" || ts.Version == "" {
			continue
		}
		var doc struct {
			Paths map[string]map[string]map[string]any `json:"paths"`
		}
		if err := json.Unmarshal([]byte(ts.Schema), &doc); err != nil {
			f.logger.Warn("skipping tool with invalid schema", zap.String("tool_id", ts.ID), zap.Error(err))
			continue
		}
		for _, path := range sortedKeys(doc.Paths) {
			methods := doc.Paths[path]
			for _, method := range sortedKeys(methods) {
				plugins = append(plugins, newLink(cfg, f.client, ts, methods[method]))
			}
		}
	}
	f.logger.Debug("link plugins built", zap.Int("count", len(plugins)))
	return plugins, nil
}

func newLink(cfg LinkConfig, client *http.Client, ts toolSchema, method map[string]any) *Link {
	name, _ := method["operationId"].(string)
	desc, _ := method["description"].(string)

	queryProps, queryRequired := parseQuerySchema(method["parameters"])
	bodySchema := dig(method, "requestBody", "content", "application/json", "schema")
	bodyProps := map[string]any{}
	bodyRequired := map[string]bool{}
	parseBodySchema(bodySchema, bodyProps, bodyRequired)

	props := map[string]any{}
	for k, v := range queryProps {
		props[k] = v
	}
	for k, v := range bodyProps {
		props[k] = v
	}
	required := append([]string{}, queryRequired...)
	for _, k := range sortedKeys(bodyRequired) {
		if _, ok := bodyProps[k]; ok {
			required = append(required, k)
		}
	}

	return &Link{
		Base: Base{
			PluginName:        name,
			PluginDescription: desc,
			PluginSchema: SchemaTemplate(name, desc, map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			}),
			PluginKind: KindLink,
		},
		toolID:       ts.ID,
		version:      ts.Version,
		methodSchema: method,
		cfg:          cfg,
		client:       client,
	}
}

func parseQuerySchema(raw any) (map[string]any, []string) {
	props := map[string]any{}
	var required []string
	params, _ := raw.([]any)
	for _, p := range params {
		param, ok := p.(map[string]any)
		if !ok {
			continue
		}
		name, ok := param["name"].(string)
		if !ok || param["in"] != "query" {
			continue
		}
		schema, _ := param["schema"].(map[string]any)
		exposed := false
		if display, ok := schema["x-display"]; ok {
			exposed = truthy(display)
		} else if from, ok := intValue(schema["x-from"]); ok && from == 0 {
			exposed = true
		}
		if !exposed {
			continue
		}
		props[name] = map[string]any{"description": param["description"], "type": schema["type"]}
		if truthy(param["required"]) {
			required = append(required, name)
		}
	}
	return props, required
}

func parseBodySchema(schema map[string]any, props map[string]any, required map[string]bool) {
	bodyProps, _ := schema["properties"].(map[string]any)
	for name, d := range bodyProps {
		detail, _ := d.(map[string]any)
		if detail["type"] == "object" {
			parseBodySchema(detail, props, required)
			continue
		}
		exposed := false
		if display, ok := detail["x-display"]; ok {
			exposed = truthy(display)
		} else if from, ok := intValue(detail["x-from"]); ok && from == 0 {
			exposed = true
		}
		if exposed {
			desc, _ := detail["description"].(string)
			props[name] = map[string]any{"description": desc, "type": detail["type"]}
		}
	}
	reqs, _ := schema["required"].([]any)
	for _, r := range reqs {
		if s, ok := r.(string); ok {
			required[s] = true
		}
	}
}

func (f *LinkFactory) schemaList(ctx context.Context, appID string, tools []ToolRef, span *trace.Span) ([]toolSchema, error) {
	q := url.Values{}
	q.Set("app_id", appID)
	for _, t := range tools {
		version := t.Version
		if version == "" {
			version = "V1.0"
		}
		q.Add("tool_ids", t.ToolID)
		q.Add("versions", version)
	}
	endpoint := f.cfg.VersionsURL + "?" + q.Encode()
	span.AddInfoEvents(map[string]string{"link-plugin-tool-schema-list-inputs": endpoint})

	key := schemaCacheKey(endpoint)
	if f.cache != nil {
		if raw, ok, err := f.cache.Get(ctx, key); err != nil {
			f.logger.Warn("schema cache read failed", zap.Error(err))
		} else if ok {
			var cached []toolSchema
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create schema request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrToolSchema, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		span.AddInfoEvents(map[string]string{
			"link-plugin-tool-schema-list-outputs": fmt.Sprintf("response code is %d", resp.StatusCode),
		})
		return nil, fmt.Errorf("%w: status %d", ErrToolSchema, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrToolSchema, err)
	}
	span.AddInfoEvents(map[string]string{"link-plugin-tool-schema-list-outputs": string(body)})

	var out struct {
		Code int `json:"code"`
		Data struct {
			Tools []toolSchema `json:"tools"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrToolSchema, err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("%w: code %d", ErrToolSchema, out.Code)
	}

	if f.cache != nil && f.cacheTTL > 0 {
		if raw, err := json.Marshal(out.Data.Tools); err == nil {
			if err := f.cache.Set(ctx, key, raw, f.cacheTTL); err != nil {
				f.logger.Warn("schema cache write failed", zap.Error(err))
			}
		}
	}
	return out.Data.Tools, nil
}

func schemaCacheKey(endpoint string) string {
	sum := sha1.Sum([]byte(endpoint))
	return "link:schemas:" + hex.EncodeToString(sum[:])
}

func dig(m map[string]any, keys ...string) map[string]any {
	cur := m
	for _, k := range keys {
		next, ok := cur[k].(map[string]any)
		if !ok {
			return map[string]any{}
		}
		cur = next
	}
	return cur
}

func lookup(m map[string]any, key string, fallback any) any {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	default:
		return v != nil
	}
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
