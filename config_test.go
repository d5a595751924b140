package hudp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsWindowOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendWindowSize = 1 << 15
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.RecvWindowSize = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestValidateRejectsTinyMTU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MTU = 8
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestValidateRejectsBadLossProb(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LossProb = 1.5
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
