package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// emitter prints progress and lifecycle events, either as newline-delimited
// JSON on stdout (spec.md §6) or as human-readable lines on stderr.
type emitter struct {
	json bool
}

func (e emitter) status(state string) {
	if e.json {
		e.line(map[string]any{"event": "status", "state": state})
		return
	}
	fmt.Fprintf(os.Stderr, "status: %s\n", state)
}

func (e emitter) fileInfo(name string, size int64, sha256Hex string) {
	if e.json {
		e.line(map[string]any{"event": "file_info", "name": name, "size": size, "sha256": sha256Hex})
		return
	}
	fmt.Fprintf(os.Stderr, "file: %s (%d bytes, sha256 %s)\n", name, size, sha256Hex)
}

func (e emitter) progress(bytesDone, total int64, elapsed time.Duration) {
	var speed float64
	if s := elapsed.Seconds(); s > 0 {
		speed = float64(bytesDone) / s
	}
	var percent float64
	var etaSeconds float64
	if total > 0 {
		percent = 100 * float64(bytesDone) / float64(total)
		if speed > 0 {
			etaSeconds = float64(total-bytesDone) / speed
		}
	}
	if e.json {
		e.line(map[string]any{
			"event":       "progress",
			"bytes":       bytesDone,
			"total":       total,
			"speed_bps":   speed,
			"eta_seconds": etaSeconds,
			"percent":     percent,
		})
		return
	}
	fmt.Fprintf(os.Stderr, "\rprogress: %.1f%% (%d/%d bytes, %.0f B/s)", percent, bytesDone, total, speed)
	if bytesDone >= total {
		fmt.Fprintln(os.Stderr)
	}
}

func (e emitter) complete(bytes int64, packets, retransmissions int, duration time.Duration, path string) {
	if e.json {
		m := map[string]any{
			"event":           "complete",
			"bytes":           bytes,
			"packets":         packets,
			"retransmissions": retransmissions,
			"duration_ms":     duration.Milliseconds(),
		}
		if path != "" {
			m["path"] = path
		}
		e.line(m)
		return
	}
	fmt.Fprintf(os.Stderr, "complete: %d bytes in %s\n", bytes, duration.Round(time.Millisecond))
}

func (e emitter) error(err error) {
	if e.json {
		e.line(map[string]any{"event": "error", "message": err.Error()})
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func (e emitter) line(v map[string]any) {
	buf, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Println(string(buf))
}
