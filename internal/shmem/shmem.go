// Package shmem implements the one-shot prepend-window handoff between the
// supervisor and a script host: a memory-mapped file keyed by algorithm id
// holding the serialized candle sequence. Everything after this handoff goes
// through the IPC socket.
package shmem

import (
	"encoding/json"
	"os"
	"path/filepath"

	"algonline/internal/core"
	apperrors "algonline/pkg/errors"

	"golang.org/x/sys/unix"
)

// PathFor returns the handoff file path for an algorithm id.
func PathFor(dir, id string) string {
	return filepath.Join(dir, id+".bin")
}

// Write truncates the file to the serialized length and writes the candle
// sequence through a shared mapping. An empty sequence leaves a zero-length
// file; the reader treats that as an empty working sequence.
func Write(path string, candles []core.CandleStick) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return apperrors.Stream("shmem open %s: %v", path, err)
	}
	defer f.Close()

	if len(candles) == 0 {
		if err := f.Truncate(0); err != nil {
			return apperrors.Stream("shmem truncate %s: %v", path, err)
		}
		return nil
	}

	data, err := json.Marshal(candles)
	if err != nil {
		return apperrors.Parse("shmem serialize: %v", err)
	}

	if err := f.Truncate(int64(len(data))); err != nil {
		return apperrors.Stream("shmem truncate %s: %v", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return apperrors.Stream("shmem mmap %s: %v", path, err)
	}

	copy(mem, data)

	if err := unix.Msync(mem, unix.MS_SYNC); err != nil {
		unix.Munmap(mem)
		return apperrors.Stream("shmem msync %s: %v", path, err)
	}
	if err := unix.Munmap(mem); err != nil {
		return apperrors.Stream("shmem munmap %s: %v", path, err)
	}
	return nil
}

// Read maps the handoff file and deserializes the candle sequence. A
// zero-length file yields an empty sequence.
func Read(path string) ([]core.CandleStick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Stream("shmem open %s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, apperrors.Stream("shmem stat %s: %v", path, err)
	}
	if info.Size() == 0 {
		return []core.CandleStick{}, nil
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, apperrors.Stream("shmem mmap %s: %v", path, err)
	}
	defer unix.Munmap(mem)

	var candles []core.CandleStick
	if err := json.Unmarshal(mem, &candles); err != nil {
		return nil, apperrors.Parse("shmem deserialize: %v", err)
	}
	return candles, nil
}

// Remove deletes the handoff file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperrors.Stream("shmem remove %s: %v", path, err)
	}
	return nil
}
