package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"defi-risk-go/risk"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const samplePositions = `[
  {"user_address": "0xaaa", "protocol": "uniswap_v3", "value_usd": "100000"},
  {"user_address": "0xaaa", "protocol": "uniswap_v3", "value_usd": "50000"},
  {"user_address": "0xbbb", "protocol": "beefy", "pool_address": "0xpool", "value_usd": "1000"}
]`

func TestRunPortfolioForOwner(t *testing.T) {
	out, err := run("", writeFile(t, samplePositions), "", "0xAAA", time.Second, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 2, out.Positions)
	require.NotNil(t, out.Portfolio)
	assert.Equal(t, "64", out.Portfolio.OverallPortfolioRisk.String())
	assert.Equal(t, risk.LevelHigh, out.Summary.RiskLevel)
	assert.Nil(t, out.Protocol)
}

func TestRunSingleProtocol(t *testing.T) {
	out, err := run("", writeFile(t, samplePositions), "Beefy", "", time.Second, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, out.Protocol)
	assert.Equal(t, risk.FamilyVault, out.Protocol.Family())
	assert.Nil(t, out.Portfolio)
}

func TestRunErrors(t *testing.T) {
	path := writeFile(t, samplePositions)

	_, err := run("", path, "foo", "", time.Second, zap.NewNop())
	assert.ErrorIs(t, err, risk.ErrCalculatorNotFound)
	assert.ErrorContains(t, err, "supported:")

	_, err = run("", path, "", "0xccc", time.Second, zap.NewNop())
	assert.ErrorContains(t, err, "no positions for owner")

	_, err = run("", filepath.Join(t.TempDir(), "missing.json"), "", "", time.Second, zap.NewNop())
	assert.Error(t, err)
}
