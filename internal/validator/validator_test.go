package validator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juant72/sniperforge-sub011/internal/bot"
)

func TestValidateRejectsUnknownKind(t *testing.T) {
	_, err := Validate(bot.Kind("unknown"), []byte(`{}`), "")
	require.ErrorIs(t, err, bot.ErrInvalidConfig)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	_, err := Validate(bot.KindArbitrage, []byte(`pairs: ["BTC/USDT"]`), "")
	require.ErrorIs(t, err, bot.ErrInvalidConfig)
}

func TestValidateAcceptsJSONAsYAML(t *testing.T) {
	data, err := Validate(bot.KindArbitrage, []byte(`{"pairs":["BTC/USDT"],"min_profit_threshold":0.015}`), "")
	require.NoError(t, err)
	require.Contains(t, string(data), "BTC/USDT")
}

func TestValidateAppliesEnvOverlay(t *testing.T) {
	t.Setenv("TESTPFX_MIN_PROFIT_THRESHOLD", "0.05")
	data, err := Validate(bot.KindArbitrage, []byte(`pairs: ["BTC/USDT"]
min_profit_threshold: 0.01`), "TESTPFX")
	require.NoError(t, err)
	require.Contains(t, string(data), "0.05")
}

func TestClassifyNoChangeOnIdenticalConfig(t *testing.T) {
	cfg := []byte(`{"pairs":["BTC/USDT"],"min_profit_threshold":0.015}`)
	diff, err := Classify(bot.KindArbitrage, cfg, cfg)
	require.NoError(t, err)
	require.Equal(t, NoChange, diff)
}

func TestClassifyLiveApplicableOnTunableChange(t *testing.T) {
	oldCfg := []byte(`{"pairs":["BTC/USDT"],"min_profit_threshold":0.015}`)
	newCfg := []byte(`{"pairs":["BTC/USDT"],"min_profit_threshold":0.025}`)
	diff, err := Classify(bot.KindArbitrage, oldCfg, newCfg)
	require.NoError(t, err)
	require.Equal(t, LiveApplicable, diff)
}

func TestClassifyRequiresRestartOnStructuralChange(t *testing.T) {
	oldCfg := []byte(`{"pairs":["BTC/USDT"],"min_profit_threshold":0.015}`)
	newCfg := []byte(`{"pairs":["ETH/USDT"],"min_profit_threshold":0.015}`)
	diff, err := Classify(bot.KindArbitrage, oldCfg, newCfg)
	require.NoError(t, err)
	require.Equal(t, RequiresRestart, diff)
}
