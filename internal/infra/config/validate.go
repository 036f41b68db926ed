package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateGateway(cfg, ve)
	validateLLM(cfg, ve)
	validateGeneration(cfg, ve)
	validateWorkflow(cfg, ve)
	validateAgents(cfg, ve)
	validateTools(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.AdminAddr); err != nil {
			ve.Add("server.admin_addr %q is not a valid host:port", cfg.Server.AdminAddr)
		} else if cfg.Server.AdminAddr == cfg.Server.Addr {
			ve.Add("server.admin_addr must differ from server.addr")
		}
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.RateLimit.Requests <= 0 {
		ve.Add("gateway.rate_limit.requests must be > 0")
	}
	if cfg.Gateway.RateLimit.Window <= 0 {
		ve.Add("gateway.rate_limit.window must be > 0")
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		ve.Add("gateway.max_body_bytes must be > 0")
	}
	for i, o := range cfg.Gateway.CORS.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			ve.Add("gateway.cors.allowed_origins[%d] must not be empty", i)
		}
	}
	for i, p := range cfg.Gateway.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				ve.Add("gateway.trusted_proxies[%d] %q is not an IP or CIDR", i, p)
			}
		}
	}
}

var validProviderTypes = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"bedrock":   true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if cfg.LLM.CircuitBreaker.Enabled && cfg.LLM.CircuitBreaker.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, anthropic, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via AGENTGATE_LLM_%s_API_KEY)",
				i, p.Name, envName(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	for _, fb := range cfg.LLM.Failover.Fallbacks {
		if !seen[fb] {
			ve.Add("llm.failover.fallbacks: unknown provider %q", fb)
		}
	}
	for pref, name := range cfg.LLM.ModelRouting {
		if !seen[name] {
			ve.Add("llm.model_routing[%s]: unknown provider %q", pref, name)
		}
	}
}

func validateGeneration(cfg *Config, ve *ValidationError) {
	if cfg.Generation.MaxIterations <= 0 {
		ve.Add("generation.max_iterations must be > 0")
	}
	if cfg.Generation.MaxHandoffs < 0 {
		ve.Add("generation.max_handoffs must be >= 0")
	}
	if cfg.Generation.Timeout <= 0 {
		ve.Add("generation.timeout must be > 0")
	}
	if cfg.Generation.Temperature < 0 || cfg.Generation.Temperature > 2 {
		ve.Add("generation.temperature must be within [0, 2]")
	}
}

func validateWorkflow(cfg *Config, ve *ValidationError) {
	w := cfg.Workflow
	if w.RunTimeout <= 0 {
		ve.Add("workflow.run_timeout must be > 0")
	}
	if w.PerspectiveTimeout <= 0 {
		ve.Add("workflow.perspective_timeout must be > 0")
	}
	if w.PerspectiveRetries < 0 {
		ve.Add("workflow.perspective_retries must be >= 0")
	}
	if w.SynthesisRetries < 0 {
		ve.Add("workflow.synthesis_retries must be >= 0")
	}
	if w.RetryInitial <= 0 || w.RetryMax < w.RetryInitial {
		ve.Add("workflow.retry_initial must be > 0 and <= workflow.retry_max")
	}
	if w.RunTimeout > 0 && w.PerspectiveTimeout > w.RunTimeout {
		ve.Add("workflow.perspective_timeout (%s) exceeds workflow.run_timeout (%s)",
			w.PerspectiveTimeout.Round(time.Second), w.RunTimeout.Round(time.Second))
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if cfg.Agents.Coordinator == "" {
		ve.Add("agents.coordinator must not be empty")
	}

	seen := make(map[string]bool)
	for i, inst := range cfg.Agents.Instances {
		if inst.ID == "" {
			ve.Add("agents.instances[%d].id must not be empty", i)
			continue
		}
		if seen[inst.ID] {
			ve.Add("agents.instances[%d]: duplicate agent ID %q", i, inst.ID)
		}
		seen[inst.ID] = true
		if strings.TrimSpace(inst.Instructions) == "" {
			ve.Add("agents.instances[%d] (%s): instructions must not be empty", i, inst.ID)
		}
		if inst.OutputSchema != "" && !json.Valid([]byte(inst.OutputSchema)) {
			ve.Add("agents.instances[%d] (%s): output_schema is not valid JSON", i, inst.ID)
		}
	}
}

var validTools = map[string]bool{
	"calculator":   true,
	"current_time": true,
}

func validateTools(cfg *Config, ve *ValidationError) {
	for i, name := range cfg.Tools.Enabled {
		if !validTools[name] {
			ve.Add("tools.enabled[%d] %q is not a known tool", i, name)
		}
	}
	if cfg.Tools.DefaultTimezone != "" {
		if _, err := time.LoadLocation(cfg.Tools.DefaultTimezone); err != nil {
			ve.Add("tools.default_timezone %q is invalid: %v", cfg.Tools.DefaultTimezone, err)
		}
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: json, text)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}
