package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/lsm/booking-relay/internal/correlation"
	"github.com/lsm/booking-relay/internal/dispatch"
	"github.com/lsm/booking-relay/internal/source"
)

const maxBodyBytes = 6 << 20

// Config holds HTTP source configuration.
type Config struct {
	ListenAddr string
	Path       string
}

// envelope is the stream event delivered by the invoking runtime.
type envelope struct {
	Records []struct {
		EventID string `json:"eventID"`
		Kinesis struct {
			Data           *string `json:"data"`
			PartitionKey   string  `json:"partitionKey"`
			SequenceNumber string  `json:"sequenceNumber"`
		} `json:"kinesis"`
	} `json:"Records"`
}

// Source receives stream events via HTTP POST and hands each one to the
// handler as a single batch.
type Source struct {
	server     *http.Server
	logger     *slog.Logger
	addr       string
	path       string
	ListenAddr string
	ready      chan struct{}
}

// NewSource creates a new HTTP source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("HTTP listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	return &Source{
		addr:   cfg.ListenAddr,
		path:   path,
		logger: logger,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Start begins accepting HTTP requests and dispatching batches to the handler.
// Blocks until ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler source.Handler) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, s.batchHandler(handler))

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ListenAddr = lis.Addr().String()

	s.server = &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http source starting", "addr", s.ListenAddr, "path", s.path)
		close(s.ready)
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		if err := s.server.Shutdown(context.Background()); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Source) batchHandler(handler source.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		headers := make(map[string]string, len(r.Header))
		for k, v := range r.Header {
			if len(v) > 0 {
				headers[k] = v[0]
			}
		}

		batch, err := decodeBatch(body, headers)
		if err != nil {
			s.logger.Warn("rejecting undecodable event", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		batch.CorrelationID = correlation.ExtractOrGenerate(headers).Value

		ctx := correlation.ExtractTraceContext(r.Context(), headers)
		result, err := handler(ctx, batch)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, dispatch.ErrEndpointNotConfigured) {
				code = http.StatusServiceUnavailable
			}
			s.logger.Error("handler error", "correlation_id", batch.CorrelationID, "error", err)
			http.Error(w, err.Error(), code)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(correlation.HeaderCorrelationID, batch.CorrelationID)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(result)
	}
}

// decodeBatch converts the stream event body into a batch. Record data is
// passed through untouched; decoding it is the transformer's job.
func decodeBatch(body []byte, headers map[string]string) (source.Batch, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return source.Batch{}, fmt.Errorf("decode event: %w", err)
	}
	if env.Records == nil {
		return source.Batch{}, errors.New("decode event: missing Records")
	}

	batch := source.Batch{Records: make([]source.Record, 0, len(env.Records))}
	for i, rec := range env.Records {
		if rec.Kinesis.Data == nil {
			return source.Batch{}, fmt.Errorf("decode event: record %d has no kinesis.data", i)
		}
		batch.Records = append(batch.Records, source.Record{
			Data:           *rec.Kinesis.Data,
			PartitionKey:   rec.Kinesis.PartitionKey,
			SequenceNumber: rec.Kinesis.SequenceNumber,
			Topic:          "http",
			Headers:        headers,
		})
	}
	return batch, nil
}

// Close stops the HTTP server.
func (s *Source) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
