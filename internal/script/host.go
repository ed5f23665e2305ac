package script

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"algonline/internal/core"
	"algonline/internal/shmem"
	apperrors "algonline/pkg/errors"
)

// frameSize is the read buffer for one IPC frame: one compact JSON candle in,
// one UTF-8 float string out.
const frameSize = 1024

// SocketPath returns the IPC socket path for an algorithm id.
func SocketPath(dir, id string) string {
	return filepath.Join(dir, id+".sock")
}

// Host is the script-host process body. It loads the prepend window from the
// shmem handoff, serves ticks from the supervisor over the unix socket and
// writes back one decision per accepted invocation.
type Host struct {
	AlgorithmID string
	RunEverySec int
	AlgoDir     string
	ShmemDir    string
	SocketDir   string
	Interp      Interpreter
	Logger      core.ILogger
}

// Run serves until ctx is cancelled or a fatal script failure occurs. A
// returned error means the process must exit non-zero.
func (h *Host) Run(ctx context.Context) error {
	working, err := shmem.Read(shmem.PathFor(h.ShmemDir, h.AlgorithmID))
	if err != nil {
		return err
	}
	h.Logger.Info("Prepend window loaded", "candles", len(working))

	socketPath := SocketPath(h.SocketDir, h.AlgorithmID)
	os.Remove(socketPath) // stale socket from a previous incarnation

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return apperrors.Stream("bind %s: %v", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gate := NewGate(h.RunEverySec)
	gate.StartCountdown(ctx)

	fatal := make(chan error, 1)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			// Each connection works on its own copy of the sequence.
			seq := make([]core.CandleStick, len(working))
			copy(seq, working)
			go func() {
				if err := h.serveConn(ctx, conn, seq, gate); err != nil {
					select {
					case fatal <- err:
					default:
					}
				}
			}()
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}

// serveConn is the tick loop: read one candle frame, append it, gate, load
// and filter the script, evaluate, reply. Gated ticks and unparsable frames
// produce no reply at all.
func (h *Host) serveConn(ctx context.Context, conn net.Conn, working []core.CandleStick, gate *Gate) error {
	defer conn.Close()

	buf := make([]byte, frameSize)
	for {
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			return nil
		}

		var candle core.CandleStick
		if err := json.Unmarshal(buf[:n], &candle); err != nil {
			continue
		}
		working = append(working, candle)

		if !gate.TryPass() {
			continue
		}

		code, err := Code(h.AlgoDir, h.AlgorithmID)
		if err != nil {
			return apperrors.Script("reading script: %v", err)
		}
		if !IsSourceSafe(code) {
			return apperrors.Script("Code contained unsafe elements.")
		}

		result, err := h.Interp.Evaluate(ctx, PrepareSource(code), working)
		if err != nil {
			return err
		}

		reply := strconv.FormatFloat(result, 'f', -1, 64)
		if _, err := conn.Write([]byte(reply)); err != nil {
			h.Logger.Warn("Reply write failed", "error", err)
			return nil
		}
	}
}
