package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lsm/booking-relay/internal/config"
	celpredicate "github.com/lsm/booking-relay/internal/transform/cel"
)

// RunValidate checks a relay configuration file, including its filter
// expression.
func RunValidate(args []string, stdout, stderr io.Writer) error {
	if wantsHelp(args) {
		_, _ = fmt.Fprintln(stdout, `Usage: relayctl validate [path]

Validates a relay configuration file (default: $RELAY_CONFIG or /etc/booking-relay/relay.yaml).`)
		return nil
	}

	path := config.Path()
	if len(args) > 0 && args[0] != "" {
		path = args[0]
	}

	problems := validateFile(path)
	if len(problems) == 0 {
		_, _ = fmt.Fprintf(stdout, "%s is valid.\n", path)
		return nil
	}

	_, _ = fmt.Fprintf(stderr, "Found %d validation error(s) in %s:\n\n", len(problems), path)
	for _, p := range problems {
		_, _ = fmt.Fprintf(stderr, "  field: %s\n  error: %s\n\n", p.Field, p.Message)
	}
	return fmt.Errorf("%d validation error(s) found", len(problems))
}

type validationError struct {
	Field   string
	Message string
}

func validateFile(path string) []validationError {
	data, err := os.ReadFile(path)
	if err != nil {
		return []validationError{{Field: "-", Message: fmt.Sprintf("read error: %v", err)}}
	}

	cfg, err := config.Parse(data)
	if err != nil {
		msg := err.Error()
		if strings.HasPrefix(msg, "parse yaml") {
			if strings.Contains(msg, "mapping values") {
				msg += "\n\nHint: quote CEL filters that contain ':' or '?'."
			}
			return []validationError{{Field: "-", Message: msg}}
		}
		var problems []validationError
		for _, m := range splitErrors(err) {
			problems = append(problems, validationError{Field: inferField(m), Message: m})
		}
		return problems
	}

	if cfg.Filter != "" {
		if _, err := celpredicate.NewPredicate(cfg.Filter); err != nil {
			return []validationError{{Field: "filter", Message: err.Error()}}
		}
	}
	return nil
}

// splitErrors breaks an errors.Join result into individual messages.
func splitErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// inferField returns the dotted config path an error message starts with.
func inferField(msg string) string {
	field := strings.Fields(msg)
	if len(field) == 0 {
		return "-"
	}
	return strings.TrimSuffix(field[0], ":")
}
