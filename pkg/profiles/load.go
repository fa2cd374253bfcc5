package profiles

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	parser "github.com/gpustack/gguf-parser-go"
	"gopkg.in/yaml.v3"

	"github.com/gantry-ai/gantry/pkg/logging"
)

// Defaults applied to fields a profile leaves unset.
const (
	defaultSafetyMargin        = "2GiB"
	defaultLargeModelThreshold = "20GiB"
	defaultQueueCapacity       = 100
	defaultWorkers             = 1
	defaultMaxRetries          = 2
	defaultVisibilityTimeout   = 300 * time.Second
	defaultImageVisibility     = 900 * time.Second
	defaultCrashThreshold      = 2
	defaultCrashWindow         = 300 * time.Second
	defaultSummarizeTrigger    = 8000
	defaultSummarizeKeep       = 4
	defaultWeeklyBudget        = 500000
)

// ggufOverheadFactor pads file size when estimating VRAM footprint: KV
// cache, activations, and runtime buffers sit on top of the weights.
const ggufOverheadFactor = 1.2

// catalogueFile is the on-disk shape: a map of named profiles.
type catalogueFile struct {
	Profiles map[string]*Profile `yaml:"profiles"`
}

// Load reads the profile catalogue at path and returns the named profile
// with sizes resolved and defaults applied.
func Load(log logging.Logger, path, name string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile catalogue: %w", err)
	}

	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing profile catalogue: %w", err)
	}

	profile, ok := file.Profiles[name]
	if !ok {
		available := make([]string, 0, len(file.Profiles))
		for k := range file.Profiles {
			available = append(available, k)
		}
		return nil, fmt.Errorf("profile %q not found (available: %v)", name, available)
	}
	profile.Name = name

	if err := resolve(log, profile); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	return profile, nil
}

// resolve applies defaults, converts human sizes to GB, estimates missing
// footprints from GGUF metadata, and validates cross-references.
func resolve(log logging.Logger, p *Profile) error {
	if p.SafetyMargin == "" {
		p.SafetyMargin = defaultSafetyMargin
	}
	if p.LargeModelThreshold == "" {
		p.LargeModelThreshold = defaultLargeModelThreshold
	}
	if p.QueueCapacity <= 0 {
		p.QueueCapacity = defaultQueueCapacity
	}
	if p.Workers <= 0 {
		p.Workers = defaultWorkers
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.VisibilityTimeout <= 0 {
		p.VisibilityTimeout = Duration(defaultVisibilityTimeout)
	}
	if p.ImageVisibilityTimeout <= 0 {
		p.ImageVisibilityTimeout = Duration(defaultImageVisibility)
	}
	if p.CrashThreshold <= 0 {
		p.CrashThreshold = defaultCrashThreshold
	}
	if p.CrashWindow <= 0 {
		p.CrashWindow = Duration(defaultCrashWindow)
	}
	if p.Summarization.TriggerTokens <= 0 {
		p.Summarization.TriggerTokens = defaultSummarizeTrigger
	}
	if p.Summarization.KeepRecent <= 0 {
		p.Summarization.KeepRecent = defaultSummarizeKeep
	}
	if p.WeeklyTokenBudget <= 0 {
		p.WeeklyTokenBudget = defaultWeeklyBudget
	}

	var err error
	if p.SoftLimitGB, err = parseGB(p.SoftLimit); err != nil {
		return fmt.Errorf("soft_limit: %w", err)
	}
	if p.HardLimitGB, err = parseGB(p.HardLimit); err != nil {
		return fmt.Errorf("hard_limit: %w", err)
	}
	if p.SafetyMarginGB, err = parseGB(p.SafetyMargin); err != nil {
		return fmt.Errorf("safety_margin: %w", err)
	}
	if p.LargeModelThresholdGB, err = parseGB(p.LargeModelThreshold); err != nil {
		return fmt.Errorf("large_model_threshold: %w", err)
	}
	if p.SoftLimitGB <= 0 || p.HardLimitGB <= 0 {
		return fmt.Errorf("soft_limit and hard_limit are required")
	}
	if p.HardLimitGB < p.SoftLimitGB {
		return fmt.Errorf("hard_limit %s below soft_limit %s", p.HardLimit, p.SoftLimit)
	}

	if len(p.Models) == 0 {
		return fmt.Errorf("no models in catalogue")
	}
	p.byName = make(map[string]*ModelConfig, len(p.Models))
	for i := range p.Models {
		m := &p.Models[i]
		if m.Name == "" {
			return fmt.Errorf("model %d: name is required", i)
		}
		if _, dup := p.byName[m.Name]; dup {
			return fmt.Errorf("model %q: duplicate entry", m.Name)
		}
		if !m.Engine.IsValid() {
			return fmt.Errorf("model %q: engine is required", m.Name)
		}
		if m.Endpoint == "" {
			return fmt.Errorf("model %q: endpoint is required", m.Name)
		}
		if m.ThinkingFormat == "" {
			m.ThinkingFormat = ThinkingBoolean
		}
		if err := resolveFootprint(log, m); err != nil {
			return fmt.Errorf("model %q: %w", m.Name, err)
		}
		p.byName[m.Name] = m
	}

	for i := range p.Models {
		m := &p.Models[i]
		if m.Fallback == "" {
			continue
		}
		if _, ok := p.byName[m.Fallback]; !ok {
			return fmt.Errorf("model %q: fallback %q not in catalogue", m.Name, m.Fallback)
		}
	}

	if p.RouterModel == "" {
		return fmt.Errorf("router_model is required")
	}
	if _, ok := p.byName[p.RouterModel]; !ok {
		return fmt.Errorf("router_model %q not in catalogue", p.RouterModel)
	}
	if p.Summarization.Model != "" {
		if _, ok := p.byName[p.Summarization.Model]; !ok {
			return fmt.Errorf("summarization model %q not in catalogue", p.Summarization.Model)
		}
	}
	for route, binding := range p.Routes {
		if _, ok := p.byName[binding.Model]; !ok {
			return fmt.Errorf("route %q: model %q not in catalogue", route, binding.Model)
		}
	}

	return nil
}

// resolveFootprint fills m.VRAMGB from the declared size or, failing that,
// from GGUF metadata of a local model file.
func resolveFootprint(log logging.Logger, m *ModelConfig) error {
	if m.VRAMSize != "" {
		gb, err := parseGB(m.VRAMSize)
		if err != nil {
			return fmt.Errorf("vram_size: %w", err)
		}
		m.VRAMGB = gb
		return nil
	}

	if m.GGUFPath == "" {
		return fmt.Errorf("either vram_size or gguf_path is required")
	}
	gguf, err := parser.ParseGGUFFile(m.GGUFPath)
	if err != nil {
		return fmt.Errorf("estimating footprint from %s: %w", m.GGUFPath, err)
	}
	size := float64(gguf.Metadata().Size) * ggufOverheadFactor
	m.VRAMGB = size / float64(units.GiB)
	log.Infof("estimated %s footprint at %.1f GB from GGUF metadata (%s params, %s)",
		m.Name, m.VRAMGB, gguf.Metadata().Parameters, gguf.Metadata().Architecture)
	return nil
}

// parseGB converts a human size string ("30GiB", "512 MB") to GB. Empty
// strings resolve to zero.
func parseGB(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return float64(b) / float64(units.GiB), nil
}
