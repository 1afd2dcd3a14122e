package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lsm/booking-relay/internal/config"
	"github.com/lsm/booking-relay/internal/observability"
	"github.com/lsm/booking-relay/internal/source"
	"github.com/lsm/booking-relay/internal/transform/booking"
	celpredicate "github.com/lsm/booking-relay/internal/transform/cel"
)

// RunTransform runs records through the booking transformer without
// publishing and prints one payload per line.
func RunTransform(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if wantsHelp(args) {
		_, _ = fmt.Fprintln(stdout, `Usage: relayctl transform --input <path|-> [--encoded] [--config <path>] [--filter <cel>] [--verbose]

Dry-runs the relay transform. Each input line is one record.

Options:
  --input <path>    File with one record per line, or - for stdin (required)
  --encoded         Lines are already base64 record data (default: raw JSON)
  --config <path>   Use the filter from this relay config file
  --filter <cel>    Selection filter, overrides --config
  --verbose         Log skipped records to stderr

Examples:
  relayctl transform --input events.jsonl
  relayctl transform --input - --filter 'event.booking_completed.product_provider == "Stena Line"' < events.jsonl`)
		return nil
	}

	input, err := parseStringFlag(args, "--input")
	if err != nil {
		return err
	}
	if input == "" {
		return fmt.Errorf("--input is required")
	}
	filter, err := resolveFilter(args)
	if err != nil {
		return err
	}

	lines, err := readLines(input, stdin)
	if err != nil {
		return err
	}

	records := make([]source.Record, len(lines))
	encoded := hasFlag(args, "--encoded")
	for i, line := range lines {
		data := line
		if !encoded {
			data = base64.StdEncoding.EncodeToString([]byte(line))
		}
		records[i] = source.Record{Data: data, SequenceNumber: fmt.Sprint(i + 1)}
	}

	level := slog.LevelError
	if hasFlag(args, "--verbose") {
		level = slog.LevelDebug
	}
	opts := []booking.Option{booking.WithLogger(observability.NewLoggerTo(stderr, "relayctl", level))}
	if filter != "" {
		p, err := celpredicate.NewPredicate(filter)
		if err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		opts = append(opts, booking.WithPredicate(p))
	}

	payloads := booking.NewTransformer(opts...).Transform(context.Background(), records)
	for _, p := range payloads {
		_, _ = fmt.Fprintln(stdout, p)
	}
	_, _ = fmt.Fprintf(stderr, "%d record(s), %d payload(s)\n", len(records), len(payloads))
	return nil
}

func resolveFilter(args []string) (string, error) {
	filter, err := parseStringFlag(args, "--filter")
	if err != nil || filter != "" {
		return filter, err
	}
	path, err := parseStringFlag(args, "--config")
	if err != nil || path == "" {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return "", fmt.Errorf("config %s: %w", path, err)
	}
	return cfg.Filter, nil
}
