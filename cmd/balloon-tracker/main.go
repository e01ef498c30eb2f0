// Command balloon-tracker ingests balloon telemetry, keeps the latest state
// of every device and publishes it to a TAK server as Cursor-on-Target.
//
// Usage:
//
//	balloon-tracker serve      [--config FILE] [--log-level LEVEL] [--http-addr ADDR]
//	balloon-tracker decode     [--encoding hex|base64|auto] [--pretty] [PAYLOAD...]
//	balloon-tracker p12-to-pem --p12 FILE [--password PASS] [--out DIR]
//	balloon-tracker cot-test   [--config FILE] [--device ID] [--lat LAT --lon LON --alt M]
//
// decode reads one payload per line from stdin when no arguments are given.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	_ "time/tzdata" // named zones for local time on minimal images
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "balloon-tracker - commands:")
	fmt.Fprintln(w, "  serve       - run the ingest API, subscribers and CoT publisher")
	fmt.Fprintln(w, "  decode      - decode telemetry payloads to JSON")
	fmt.Fprintln(w, "  p12-to-pem  - extract CA, certificate and key from a PKCS#12 bundle")
	fmt.Fprintln(w, "  cot-test    - send one synthetic CoT event to the configured TAK server")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'balloon-tracker <command> --help' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])
	var code int
	switch cmd {
	case "serve":
		code = runServe(os.Args[2:])
	case "decode":
		code = runDecode(os.Args[2:], os.Stdin, os.Stdout)
	case "p12-to-pem":
		code = runP12ToPEM(os.Args[2:], os.Stdout)
	case "cot-test":
		code = runCoTTest(os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		code = 2
	}
	os.Exit(code)
}
