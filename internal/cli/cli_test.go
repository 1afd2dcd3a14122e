package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	completed = `{"type":"booking_completed","booking_completed":{"timestamp":1631538059459,"orderId":10017,"product_provider":"Stena Line"}}`
	requested = `{"type":"booking_request","booking_request":{"timestamp":1631538059459,"orderId":10017,"product_provider":"Stena Line"}}`
	dfds      = `{"type":"booking_completed","booking_completed":{"timestamp":1631538059460,"orderId":"X-2","product_provider":"DFDS"}}`
	expected  = `{"timestamp":"2021-09-13T13:00:59.459Z","product_provider_buyer":"Stena Line","product_order_id_buyer":10017}`
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestParseStringFlag(t *testing.T) {
	args := []string{"--input", "a.jsonl", "--filter=x == 1", "--url"}
	if v, _ := parseStringFlag(args, "--input"); v != "a.jsonl" {
		t.Errorf("got %q", v)
	}
	if v, _ := parseStringFlag(args, "--filter"); v != "x == 1" {
		t.Errorf("got %q", v)
	}
	if _, err := parseStringFlag(args, "--url"); err == nil {
		t.Error("expected error for flag without value")
	}
	if v, err := parseStringFlag(args, "--config"); v != "" || err != nil {
		t.Errorf("expected empty, got %q %v", v, err)
	}
}

func TestRunValidate_Valid(t *testing.T) {
	path := writeTemp(t, "relay.yaml", "publish:\n  url: http://localhost:3000\nfilter: 'event.type == \"booking_completed\"'\n")
	var stdout, stderr bytes.Buffer
	if err := RunValidate([]string{path}, &stdout, &stderr); err != nil {
		t.Fatalf("unexpected error: %v (%s)", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "is valid") {
		t.Errorf("unexpected output %q", stdout.String())
	}
}

func TestRunValidate_MultipleErrors(t *testing.T) {
	path := writeTemp(t, "relay.yaml", "publish:\n  url: ftp://x\n  maxInFlight: -2\nsource:\n  type: sqs\n")
	var stdout, stderr bytes.Buffer
	err := RunValidate([]string{path}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "3 validation error(s)") {
		t.Fatalf("expected 3 errors, got %v\n%s", err, stderr.String())
	}
	for _, field := range []string{"publish.url", "publish.maxInFlight", "source.type"} {
		if !strings.Contains(stderr.String(), "field: "+field) {
			t.Errorf("expected field %s in output:\n%s", field, stderr.String())
		}
	}
}

func TestRunValidate_BadFilter(t *testing.T) {
	path := writeTemp(t, "relay.yaml", "filter: 'event.type =='\n")
	var stdout, stderr bytes.Buffer
	if err := RunValidate([]string{path}, &stdout, &stderr); err == nil {
		t.Fatal("expected error for invalid filter")
	}
	if !strings.Contains(stderr.String(), "field: filter") {
		t.Errorf("expected filter field, got %s", stderr.String())
	}
}

func TestRunValidate_MissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := RunValidate([]string{"/nonexistent/relay.yaml"}, &stdout, &stderr); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRunValidate_Help(t *testing.T) {
	var stdout bytes.Buffer
	if err := RunValidate([]string{"-h"}, &stdout, io.Discard); err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(stdout.String(), "Usage: relayctl validate") {
		t.Errorf("unexpected help %q", stdout.String())
	}
}

func TestSplitErrors_Nested(t *testing.T) {
	path := writeTemp(t, "relay.yaml", "source:\n  type: kafka\n  kafka:\n    topic: t\n    consumerGroup: g\n")
	problems := validateFile(path)
	if len(problems) == 0 {
		t.Fatal("expected problems")
	}
	if problems[0].Field != "source.kafka.cluster" {
		t.Errorf("expected source.kafka.cluster, got %+v", problems)
	}
}

func TestRunTransform_RawJSON(t *testing.T) {
	path := writeTemp(t, "events.jsonl", completed+"\n"+requested+"\n\nnot json\n")
	var stdout, stderr bytes.Buffer
	if err := RunTransform([]string{"--input", path}, nil, &stdout, &stderr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != expected {
		t.Errorf("got %s, want %s", got, expected)
	}
	if !strings.Contains(stderr.String(), "3 record(s), 1 payload(s)") {
		t.Errorf("unexpected summary %q", stderr.String())
	}
}

func TestRunTransform_EncodedStdin(t *testing.T) {
	in := strings.NewReader(base64.StdEncoding.EncodeToString([]byte(completed)) + "\n")
	var stdout bytes.Buffer
	if err := RunTransform([]string{"--input", "-", "--encoded"}, in, &stdout, io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != expected {
		t.Errorf("got %s", got)
	}
}

func TestRunTransform_Filter(t *testing.T) {
	in := strings.NewReader(completed + "\n" + dfds + "\n")
	var stdout bytes.Buffer
	args := []string{"--input", "-", "--filter", `event.booking_completed.product_provider == "DFDS"`}
	if err := RunTransform(args, in, &stdout, io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); !strings.Contains(got, `"DFDS"`) || strings.Contains(got, "Stena") {
		t.Errorf("filter not applied: %s", got)
	}
}

func TestRunTransform_FilterFromConfig(t *testing.T) {
	cfg := writeTemp(t, "relay.yaml", "filter: 'event.booking_completed.orderId == 10017'\n")
	in := strings.NewReader(completed + "\n" + dfds + "\n")
	var stdout bytes.Buffer
	if err := RunTransform([]string{"--input", "-", "--config", cfg}, in, &stdout, io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != expected {
		t.Errorf("got %s", got)
	}
}

func TestRunTransform_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing input", nil},
		{"missing file", []string{"--input", "/nonexistent/events.jsonl"}},
		{"bad filter", []string{"--input", "-", "--filter", "event.type =="}},
		{"bad config", []string{"--input", "-", "--config", "/nonexistent/relay.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := RunTransform(tt.args, strings.NewReader(""), io.Discard, io.Discard); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRunSend(t *testing.T) {
	var got kinesisEvent
	var corr string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr = r.Header.Get("X-Correlation-ID")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":2,"payloads":1,"delivered":1,"failed":0}`))
	}))
	defer server.Close()

	in := strings.NewReader(completed + "\n" + requested + "\n")
	var stdout bytes.Buffer
	args := []string{"--input", "-", "--url", server.URL, "--correlation-id", "demo-1"}
	if err := RunSend(args, in, &stdout); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if corr != "demo-1" {
		t.Errorf("expected correlation header, got %q", corr)
	}
	if len(got.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got.Records))
	}
	data, err := base64.StdEncoding.DecodeString(got.Records[0].Kinesis.Data)
	if err != nil || string(data) != completed {
		t.Errorf("record data mismatch: %s %v", data, err)
	}
	if got.Records[1].Kinesis.SequenceNumber != "2" || got.Records[1].EventID != "shardId-000000000000:2" {
		t.Errorf("unexpected record metadata %+v", got.Records[1])
	}
	if !strings.Contains(stdout.String(), `"delivered":1`) {
		t.Errorf("expected relay report in output, got %s", stdout.String())
	}
}

func TestRunSend_RelayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no PUBLISH_URL defined", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var stdout bytes.Buffer
	err := RunSend([]string{"--input", "-", "--url", server.URL}, strings.NewReader(completed+"\n"), &stdout)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 error, got %v", err)
	}
	if !strings.Contains(stdout.String(), "no PUBLISH_URL defined") {
		t.Errorf("expected relay body in output, got %s", stdout.String())
	}
}

func TestRunSend_MissingInput(t *testing.T) {
	if err := RunSend(nil, nil, io.Discard); err == nil {
		t.Fatal("expected error for missing --input")
	}
}
