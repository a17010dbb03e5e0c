package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleRatioDefault(t *testing.T) {
	t.Setenv("OTEL_SAMPLE_RATIO", "")
	assert.Equal(t, 1.0, sampleRatio())
}

func TestSampleRatioConfigured(t *testing.T) {
	t.Setenv("OTEL_SAMPLE_RATIO", "0.25")
	assert.Equal(t, 0.25, sampleRatio())
}

func TestSampleRatioRejectsInvalid(t *testing.T) {
	cases := []string{"not-a-number", "0", "-0.5", "1.5"}
	for _, raw := range cases {
		t.Setenv("OTEL_SAMPLE_RATIO", raw)
		assert.Equal(t, 1.0, sampleRatio(), "raw=%q", raw)
	}
}

func TestDeployEnvDefault(t *testing.T) {
	t.Setenv("GO_ENV", "")
	assert.Equal(t, "production", deployEnv())
}

func TestDeployEnvConfigured(t *testing.T) {
	t.Setenv("GO_ENV", "staging")
	assert.Equal(t, "staging", deployEnv())
}
