// Scribe is an audio transcription service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Whisper-sim stands in for a real transcription binary during
// development and integration testing. It speaks the same contract the
// worker pool expects: progress lines on stderr, a JSON transcript at
// --output on success, prompt exit on SIGTERM.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

type segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type transcript struct {
	Text     string    `json:"text"`
	Model    string    `json:"model"`
	Language string    `json:"language,omitempty"`
	Segments []segment `json:"segments"`
}

func main() {
	var (
		model    = flag.String("model", "", "Model name")
		language = flag.String("language", "", "Language hint")
		input    = flag.String("input", "", "Input audio path")
		output   = flag.String("output", "", "Transcript output path")
		progress = flag.Bool("progress", false, "Emit progress lines on stderr")
		duration = flag.Duration("duration", 2*time.Second, "Simulated transcription time")
		failAt   = flag.Int("fail-at", -1, "Exit 1 after reporting this percent (testing)")
	)
	flag.Parse()

	if *model == "" || *input == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "whisper-sim: --model, --input, and --output are required")
		os.Exit(2)
	}
	info, err := os.Stat(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "whisper-sim: input: %v\n", err)
		os.Exit(2)
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)

	step := *duration / 10
	for pct := 10; pct <= 100; pct += 10 {
		select {
		case <-term:
			// No output on cancellation; the worker classifies us by
			// its own cancel flag, not the exit code.
			os.Exit(143)
		case <-time.After(step):
		}
		if *progress {
			fmt.Fprintf(os.Stderr, "progress: %d%%\n", pct)
		}
		if *failAt >= 0 && pct >= *failAt {
			fmt.Fprintln(os.Stderr, "whisper-sim: simulated failure")
			os.Exit(1)
		}
	}

	out := transcript{
		Text:     fmt.Sprintf("simulated transcript of %s (%d bytes)", filepath.Base(*input), info.Size()),
		Model:    *model,
		Language: *language,
		Segments: []segment{
			{Start: 0, End: duration.Seconds(), Text: "simulated speech"},
		},
	}
	raw, err := json.Marshal(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "whisper-sim: marshal: %v\n", err)
		os.Exit(1)
	}

	// Temp-and-rename so a kill mid-write never leaves a torn file the
	// worker would mistake for a finished transcript.
	tmp := *output + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "whisper-sim: write: %v\n", err)
		os.Exit(1)
	}
	if err := os.Rename(tmp, *output); err != nil {
		fmt.Fprintf(os.Stderr, "whisper-sim: rename: %v\n", err)
		os.Exit(1)
	}
}
