package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := validateDetectionConfig(cfg.Detection); err != nil {
		return err
	}

	if cfg.Placeholders.MaxCollisionAttempts < 1 || cfg.Placeholders.MaxCollisionAttempts > 100 {
		return fmt.Errorf("placeholders.max_collision_attempts must be between 1 and 100, got %d", cfg.Placeholders.MaxCollisionAttempts)
	}

	if err := validateNERConfig(cfg.NER); err != nil {
		return err
	}

	if err := validateGenerationConfig(cfg.Generation); err != nil {
		return err
	}

	if cfg.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be >= 1, got %d", cfg.Batch.Workers)
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	if err := validateAuditConfig(cfg.Audit); err != nil {
		return err
	}

	return nil
}

func validateDetectionConfig(d DetectionConfig) error {
	if d.PatternTimeout <= 0 {
		return errors.New("detection.pattern_timeout must be > 0")
	}
	if d.OracleTimeout <= 0 {
		return errors.New("detection.oracle_timeout must be > 0")
	}
	if d.MaxInputBytes <= 0 {
		return errors.New("detection.max_input_bytes must be > 0")
	}
	if d.ExpectedBias > 1 {
		return fmt.Errorf("detection.expected_bias must be <= 1, got %v", d.ExpectedBias)
	}
	return nil
}

func validateNERConfig(n NERConfig) error {
	switch strings.ToLower(strings.TrimSpace(n.Type)) {
	case "", "none":
		return nil
	case "http":
		if strings.TrimSpace(n.HTTP.Endpoint) == "" {
			return errors.New("ner.http.endpoint must be set when ner.type is http")
		}
		u, err := url.Parse(n.HTTP.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("ner.http.endpoint is not a valid url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("ner.http.endpoint must be http or https")
		}
	case "onnx":
		if strings.TrimSpace(n.ONNX.ModelDir) == "" {
			return errors.New("ner.onnx.model_dir must be set when ner.type is onnx")
		}
		if n.ONNX.SeqLen < 8 {
			return fmt.Errorf("ner.onnx.seq_len must be >= 8, got %d", n.ONNX.SeqLen)
		}
	default:
		return fmt.Errorf("ner.type must be none, http or onnx, got %q", n.Type)
	}
	if n.Breaker.Enabled {
		if n.Breaker.ConsecutiveFailures < 1 {
			return errors.New("ner.breaker.consecutive_failures must be >= 1")
		}
		if n.Breaker.OpenDuration <= 0 {
			return errors.New("ner.breaker.open_duration must be > 0")
		}
	}
	return nil
}

func validateGenerationConfig(g GenerationConfig) error {
	if len(g.Providers) == 0 {
		if strings.TrimSpace(g.DefaultProvider) != "" {
			return fmt.Errorf("generation.default_provider %q set but no providers configured", g.DefaultProvider)
		}
		return nil
	}
	if strings.TrimSpace(g.DefaultProvider) == "" {
		return errors.New("generation.default_provider must be set")
	}
	if _, ok := g.Providers[g.DefaultProvider]; !ok {
		return fmt.Errorf("generation.default_provider %q not found in providers", g.DefaultProvider)
	}
	for name, p := range g.Providers {
		if err := validateProviderConfig(name, p); err != nil {
			return err
		}
	}
	if g.MaxTokens < 0 {
		return fmt.Errorf("generation.max_tokens must be >= 0, got %d", g.MaxTokens)
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		return fmt.Errorf("generation.temperature must be between 0 and 2, got %v", g.Temperature)
	}
	return nil
}

func validateProviderConfig(name string, p ProviderConfig) error {
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "":
		return fmt.Errorf("provider %q missing type", name)
	case "openai":
		if strings.TrimSpace(p.APIKeyEnv) == "" && strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("provider %q missing api key (env or api_key)", name)
		}
	case "bedrock":
		if strings.TrimSpace(p.Region) == "" {
			return fmt.Errorf("provider %q (bedrock) missing region", name)
		}
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("provider %q (bedrock) missing model", name)
		}
	case "mock":
	default:
		return fmt.Errorf("provider %q has unknown type %q", name, p.Type)
	}
	if p.BaseURL != "" {
		u, err := url.Parse(p.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("provider %q has invalid base_url", name)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("provider %q base_url must be http or https", name)
		}
		if err := blockPrivateHost(u.Host, p.AllowPrivateNetworks); err != nil {
			return fmt.Errorf("provider %q base_url blocked: %w", name, err)
		}
	}
	return nil
}

func validateAuditConfig(a AuditConfig) error {
	for i, s := range a.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("audit sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("audit sink %d (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("audit sink %d (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("audit sink %d (webhook) url must be http or https", i)
			}
		default:
			return fmt.Errorf("audit sink %d has unknown type %q", i, s.Type)
		}
		for _, op := range s.Operations {
			switch strings.ToLower(strings.TrimSpace(op)) {
			case "anonymize", "rehydrate", "generate":
			default:
				return fmt.Errorf("audit sink %d has unknown operation %q", i, op)
			}
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func blockPrivateHost(hostport string, allowPrivate bool) error {
	if allowPrivate {
		return nil
	}
	host := hostport
	if strings.Contains(hostport, "]") || strings.Contains(hostport, ":") {
		h, _, err := net.SplitHostPort(hostport)
		if err == nil {
			host = h
		}
	}
	lc := strings.ToLower(strings.TrimSpace(host))
	if lc == "localhost" {
		return errors.New("private network host localhost blocked for SSRF safety")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("private network IP %s blocked for SSRF safety", ip.String())
		}
		return nil
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	privateBlocks := []*net.IPNet{
		{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
		{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
		{IP: net.ParseIP("169.254.0.0"), Mask: net.CIDRMask(16, 32)},
		{IP: net.ParseIP("::1"), Mask: net.CIDRMask(128, 128)},
		{IP: net.ParseIP("fc00::"), Mask: net.CIDRMask(7, 128)},
		{IP: net.ParseIP("fe80::"), Mask: net.CIDRMask(10, 128)},
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
