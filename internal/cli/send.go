package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lsm/booking-relay/internal/correlation"
)

type kinesisData struct {
	Data           string `json:"data"`
	PartitionKey   string `json:"partitionKey"`
	SequenceNumber string `json:"sequenceNumber"`
}

type kinesisRecord struct {
	EventID string      `json:"eventID"`
	Kinesis kinesisData `json:"kinesis"`
}

type kinesisEvent struct {
	Records []kinesisRecord `json:"Records"`
}

var sendClient = &http.Client{Timeout: 30 * time.Second}

// RunSend wraps JSON documents in a stream event and posts it to a running
// relay's HTTP runtime.
func RunSend(args []string, stdin io.Reader, stdout io.Writer) error {
	if wantsHelp(args) {
		_, _ = fmt.Fprintln(stdout, `Usage: relayctl send --input <path|-> [--url <relay>] [--correlation-id <id>]

Sends one batch to the relay HTTP runtime. Each input line is one JSON
document; it is base64 encoded into a stream record.

Options:
  --input <path>            File with one JSON document per line, or - for stdin (required)
  --url <relay>             Relay endpoint (default: http://localhost:8080/)
  --correlation-id <id>     Correlation ID for the batch (default: generated)`)
		return nil
	}

	input, err := parseStringFlag(args, "--input")
	if err != nil {
		return err
	}
	if input == "" {
		return fmt.Errorf("--input is required")
	}
	url, err := parseStringFlag(args, "--url")
	if err != nil {
		return err
	}
	if url == "" {
		url = "http://localhost:8080/"
	}
	corrID, err := parseStringFlag(args, "--correlation-id")
	if err != nil {
		return err
	}
	if corrID == "" {
		corrID = uuid.NewString()
	}

	lines, err := readLines(input, stdin)
	if err != nil {
		return err
	}
	body, err := json.Marshal(buildEvent(lines))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(correlation.HeaderCorrelationID, corrID)

	resp, err := sendClient.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_, _ = fmt.Fprintf(stdout, "%s %s\n", resp.Status, bytes.TrimSpace(respBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay answered %s", resp.Status)
	}
	return nil
}

func buildEvent(lines []string) kinesisEvent {
	shard := "shardId-000000000000"
	partitionKey := uuid.NewString()
	evt := kinesisEvent{Records: make([]kinesisRecord, len(lines))}
	for i, line := range lines {
		seq := fmt.Sprintf("%d", i+1)
		evt.Records[i] = kinesisRecord{
			EventID: shard + ":" + seq,
			Kinesis: kinesisData{
				Data:           base64.StdEncoding.EncodeToString([]byte(line)),
				PartitionKey:   partitionKey,
				SequenceNumber: seq,
			},
		}
	}
	return evt
}
