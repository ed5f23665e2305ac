package script

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"

	"algonline/internal/core"
	apperrors "algonline/pkg/errors"
)

// Interpreter evaluates a prepared script against the working sequence and
// returns the decision value.
type Interpreter interface {
	Evaluate(ctx context.Context, source string, candles []core.CandleStick) (float64, error)
}

// runnerProgram is the in-interpreter driver. It reads {source, candles}
// as JSON on stdin, exposes the candles as objects with t/o/c/h/l/v
// attributes, loads the prepared source, calls its top-level func and prints
// the result as a float.
const runnerProgram = `import sys, json

payload = json.load(sys.stdin)

class Candle:
    __slots__ = ("t", "o", "c", "h", "l", "v")
    def __init__(self, d):
        self.t = d["timestamp"]
        self.o = d["open"]
        self.c = d["close"]
        self.h = d["high"]
        self.l = d["low"]
        self.v = d["volume"]

data = [Candle(d) for d in payload["candles"]]
ns = {}
exec(compile(payload["source"], "<algorithm>", "exec"), ns)
if "func" not in ns:
    sys.stderr.write("no top-level func in script")
    sys.exit(3)
print(float(ns["func"](data)))
`

// PythonInterpreter evaluates scripts by spawning the configured Python
// binary with the runner driver.
type PythonInterpreter struct {
	Bin string
}

// NewPythonInterpreter returns an interpreter using the given binary
// ("python3" when empty).
func NewPythonInterpreter(bin string) *PythonInterpreter {
	if bin == "" {
		bin = "python3"
	}
	return &PythonInterpreter{Bin: bin}
}

type runnerPayload struct {
	Source  string             `json:"source"`
	Candles []core.CandleStick `json:"candles"`
}

// Evaluate runs one invocation. A non-zero interpreter exit or an unparsable
// result is a ScriptError.
func (p *PythonInterpreter) Evaluate(ctx context.Context, source string, candles []core.CandleStick) (float64, error) {
	payload, err := json.Marshal(runnerPayload{Source: source, Candles: candles})
	if err != nil {
		return 0, apperrors.Parse("runner payload: %v", err)
	}

	cmd := exec.CommandContext(ctx, p.Bin, "-c", runnerProgram)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return 0, apperrors.Script("%s", msg)
	}

	out := strings.TrimSpace(stdout.String())
	result, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, apperrors.Script("result %q is not a float", out)
	}
	return result, nil
}
