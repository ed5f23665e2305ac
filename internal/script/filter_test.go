package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSourceSafe(t *testing.T) {
	tests := []struct {
		name string
		code string
		safe bool
	}{
		{
			name: "plain strategy is safe",
			code: "def func(data):\n    return 0\n",
			safe: true,
		},
		{
			name: "import is rejected",
			code: "import os\ndef func(data):\n    return 0\n",
			safe: false,
		},
		{
			name: "eval is rejected",
			code: "def func(data):\n    return eval('1')\n",
			safe: false,
		},
		{
			name: "dunder access is rejected",
			code: "def func(data):\n    return data.__class__\n",
			safe: false,
		},
		{
			name: "deny token inside a comment is allowed",
			code: "# import everything here\ndef func(data):\n    return 0\n",
			safe: true,
		},
		{
			name: "comment containing a single-quote is scanned like code",
			code: "# don't import os\ndef func(data):\n    return 0\n",
			safe: false,
		},
		{
			name: "requests is rejected",
			code: "def func(data):\n    requests\n",
			safe: false,
		},
		{
			name: "sys is rejected",
			code: "def func(data):\n    return sys\n",
			safe: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.safe, IsSourceSafe(tt.code))
		})
	}
}

func TestIsSourceSafeCoversEveryDenyToken(t *testing.T) {
	for _, token := range DenyTokens {
		code := "def func(data):\n    " + token + "\n"
		assert.False(t, IsSourceSafe(code), "token %q must be rejected", token)
	}
}

func TestPrepareSourcePrependsAllowedLibraries(t *testing.T) {
	prepared := PrepareSource("def func(data):\n    return 0\n")

	lines := strings.Split(prepared, "\n")
	require.GreaterOrEqual(t, len(lines), len(AllowedLibraries))
	assert.Equal(t, "import math", lines[0])
	assert.Equal(t, "import numpy", lines[1])
	assert.Equal(t, "import pandas", lines[2])
	assert.Contains(t, prepared, "def func(data):")
}

func TestSourcePath(t *testing.T) {
	assert.Equal(t, "trading_algos/my-algo.py", SourcePath("trading_algos", "my-algo"))
}
