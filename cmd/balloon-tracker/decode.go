package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"balloon_tracker/internal/payload"
)

// DecodeOut is one decoded payload.
type DecodeOut struct {
	Input       string               `json:"input"`
	Frame       string               `json:"frame"`
	Observation *payload.Observation `json:"observation,omitempty"`
	Error       string               `json:"error,omitempty"`
}

func runDecode(args []string, stdin io.Reader, stdout io.Writer) int {
	fs := pflag.NewFlagSet("decode", pflag.ContinueOnError)
	encoding := fs.StringP("encoding", "e", "auto", "Payload encoding: hex, base64 or auto")
	altOffset := fs.Float64("altitude-offset", payload.DefaultAltitudeOffsetM, "Metres subtracted from the raw altitude")
	pretty := fs.Bool("pretty", false, "Pretty-print JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	dec := newDecoder(*altOffset)
	enc := json.NewEncoder(stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}

	failed := 0
	emit := func(in string) {
		out := decodeOne(dec, in, *encoding)
		if out.Error != "" {
			failed++
		}
		_ = enc.Encode(out)
	}

	if fs.NArg() > 0 {
		for _, in := range fs.Args() {
			emit(in)
		}
	} else {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			emit(line)
		}
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "read input: %v\n", err)
			return 1
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func decodeOne(dec *payload.Decoder, in, encoding string) DecodeOut {
	out := DecodeOut{Input: in}
	obs, err := dec.DecodeString(in, encoding)
	if err != nil {
		out.Frame = "invalid"
		out.Error = err.Error()
		return out
	}
	out.Frame = payload.Classify(obs.Raw).String()
	out.Observation = &obs
	return out
}
