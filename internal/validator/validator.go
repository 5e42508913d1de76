// Package validator is the kind-specific config validator (C8). It is pure:
// given the same inputs it returns the same outcome, and it never touches
// the store or the controller directly. Config blobs are decoded from
// YAML, matching the teacher's cmd/trading-bots/main.go loader, then
// re-encoded to JSON for storage/transport (the bot contract's wire shape
// per spec.md §3 "opaque... blob").
package validator

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/juant72/sniperforge-sub011/internal/bot"
)

// Diff classifies how a config change should be applied.
type Diff int

const (
	// NoChange means the new config is equivalent to the old one.
	NoChange Diff = iota
	// LiveApplicable means ApplyConfig can be used without a restart.
	LiveApplicable
	// RequiresRestart means the bot must be stopped then started.
	RequiresRestart
)

// restartFields lists, per kind, which top-level fields are structural
// (selection of what to trade) rather than tunable (thresholds), grounded
// on the teacher's ArbitrageConfig/DCAConfig field sets where pair/exchange
// selection is structural and numeric thresholds are tunable (SPEC_FULL §4.8).
var restartFields = map[bot.Kind]map[string]bool{
	bot.KindArbitrage:        {"pairs": true},
	bot.KindLiquiditySniper:  {"target_pairs": true},
	bot.KindMLAnalytics:      {"model": true},
	bot.KindSentimentMonitor: {"sources": true},
	bot.KindFlashloan:        {"protocol": true},
}

// Validate decodes a YAML config blob for kind, applies the environment
// overlay, and returns the canonical JSON form the bot contract expects.
// It rejects unknown kinds and configs missing kind-mandatory fields.
func Validate(kind bot.Kind, yamlConfig []byte, envPrefix string) ([]byte, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown kind %q", bot.ErrInvalidConfig, kind)
	}

	raw := map[string]interface{}{}
	if len(yamlConfig) > 0 {
		if err := yaml.Unmarshal(yamlConfig, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", bot.ErrInvalidConfig, err)
		}
	}
	applyEnvOverlay(raw, envPrefix)

	if err := validateRequiredFields(kind, raw); err != nil {
		return nil, err
	}

	data, err := jsonEncode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bot.ErrInvalidConfig, err)
	}
	return data, nil
}

func validateRequiredFields(kind bot.Kind, raw map[string]interface{}) error {
	required := map[bot.Kind][]string{
		bot.KindArbitrage:        {"pairs", "min_profit_threshold"},
		bot.KindLiquiditySniper:  {"target_pairs"},
		bot.KindMLAnalytics:      {"model"},
		bot.KindSentimentMonitor: {"sources"},
		bot.KindFlashloan:        {"protocol", "max_loan_size"},
	}
	for _, field := range required[kind] {
		if _, ok := raw[field]; !ok {
			return fmt.Errorf("%w: %s config missing required field %q", bot.ErrInvalidConfig, kind, field)
		}
	}
	return nil
}

// applyEnvOverlay replaces or extends raw's values from environment
// variables named `<prefix>_<FIELD>` (upper-cased), per spec.md §6's
// documented prefix scheme, generalized from the teacher's
// internal/config.getEnv-family helpers (SPEC_FULL §4.8).
func applyEnvOverlay(raw map[string]interface{}, prefix string) {
	if prefix == "" {
		return
	}
	p := strings.ToUpper(prefix) + "_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], p) {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(parts[0], p))
		raw[field] = coerceEnvValue(parts[1])
	}
}

func coerceEnvValue(v string) interface{} {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if strings.Contains(v, ",") {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	return v
}

// Classify computes the diff classification between two canonical JSON
// configs for kind: structural-field changes require a restart, everything
// else is live-applicable.
func Classify(kind bot.Kind, oldConfig, newConfig []byte) (Diff, error) {
	if string(oldConfig) == string(newConfig) {
		return NoChange, nil
	}
	var oldRaw, newRaw map[string]interface{}
	if err := jsonDecode(oldConfig, &oldRaw); err != nil {
		return RequiresRestart, nil // unknown old shape: be conservative
	}
	if err := jsonDecode(newConfig, &newRaw); err != nil {
		return RequiresRestart, fmt.Errorf("%w: %v", bot.ErrInvalidConfig, err)
	}

	structural := restartFields[kind]
	for field := range structural {
		if fmt.Sprint(oldRaw[field]) != fmt.Sprint(newRaw[field]) {
			return RequiresRestart, nil
		}
	}
	return LiveApplicable, nil
}
