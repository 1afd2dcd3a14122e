// Package booking decodes booking stream records and projects completed
// bookings into the normalized buyer payload.
package booking

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// TypeBookingCompleted is the only event type the relay acts on.
const TypeBookingCompleted = "booking_completed"

// isoMillis matches the ISO-8601 form with a fixed three-digit millisecond
// part, e.g. 2021-09-13T13:00:59.459Z.
const isoMillis = "2006-01-02T15:04:05.000Z"

// maxEpochMillis bounds representable instants to 100,000,000 days either
// side of the epoch.
const maxEpochMillis = 8.64e15

// Event is a decoded stream event. It is either a BookingCompleted or an
// Other; nothing else implements it.
type Event interface {
	Type() string
	isEvent()
}

// BookingCompleted is the recognized variant of the event union.
type BookingCompleted struct {
	Timestamp       int64  // epoch milliseconds
	ProductProvider string
	OrderID         any // json.Number or string, as received
}

// Type implements Event.
func (BookingCompleted) Type() string { return TypeBookingCompleted }
func (BookingCompleted) isEvent()     {}

// Other is every event type the relay ignores.
type Other struct {
	Kind string
}

// Type implements Event.
func (o Other) Type() string { return o.Kind }
func (Other) isEvent()       {}

// Payload is the normalized representation forwarded to the sink.
type Payload struct {
	Timestamp            string `json:"timestamp"`
	ProductProviderBuyer string `json:"product_provider_buyer"`
	ProductOrderIDBuyer  any    `json:"product_order_id_buyer"`
}

// Errors describing why a record could not be decoded.
var (
	ErrInvalidBase64   = errors.New("invalid base64 data")
	ErrInvalidJSON     = errors.New("invalid json document")
	ErrMalformedEvent  = errors.New("malformed booking_completed event")
	errNotAnObject     = errors.New("document is not a json object")
	errMissingField    = errors.New("missing field")
	errUnexpectedValue = errors.New("unexpected value type")
)

// Document is the generic decoded form of an event, kept for predicates.
type Document = map[string]any

// DecodeData base64-decodes a record's data. Padded and unpadded standard
// encodings are both accepted.
func DecodeData(data string) ([]byte, error) {
	s := strings.TrimSpace(data)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
		}
	}
	return raw, nil
}

// Parse decodes a JSON document into its event variant. The returned
// Document is the full decoded object.
func Parse(raw []byte) (Event, Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, nil, fmt.Errorf("%w: trailing data after document", ErrInvalidJSON)
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidJSON, errNotAnObject)
	}

	kind, _ := doc["type"].(string)
	if kind != TypeBookingCompleted {
		return Other{Kind: kind}, doc, nil
	}

	bc, err := parseBookingCompleted(doc[TypeBookingCompleted])
	if err != nil {
		return nil, doc, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return bc, doc, nil
}

func parseBookingCompleted(v any) (BookingCompleted, error) {
	body, ok := v.(map[string]any)
	if !ok {
		return BookingCompleted{}, fmt.Errorf("%s: %w", TypeBookingCompleted, errMissingField)
	}

	ts, err := epochMillis(body["timestamp"])
	if err != nil {
		return BookingCompleted{}, fmt.Errorf("timestamp: %w", err)
	}

	provider, ok := body["product_provider"].(string)
	if !ok {
		return BookingCompleted{}, fmt.Errorf("product_provider: %w", fieldErr(body["product_provider"]))
	}

	var orderID any
	switch id := body["orderId"].(type) {
	case json.Number:
		n, err := canonicalNumber(id)
		if err != nil {
			return BookingCompleted{}, fmt.Errorf("orderId: %w", err)
		}
		orderID = n
	case string:
		orderID = id
	default:
		return BookingCompleted{}, fmt.Errorf("orderId: %w", fieldErr(id))
	}

	return BookingCompleted{
		Timestamp:       ts,
		ProductProvider: provider,
		OrderID:         orderID,
	}, nil
}

// epochMillis accepts a JSON number within ±maxEpochMillis. Fractional
// values are truncated to the millisecond, as a Date constructor would.
func epochMillis(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fieldErr(v)
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s is not a finite number", errUnexpectedValue, n)
	}
	if math.Abs(f) > maxEpochMillis {
		return 0, fmt.Errorf("%w: %s is out of range", errUnexpectedValue, n)
	}
	if ms, err := n.Int64(); err == nil {
		return ms, nil
	}
	return int64(f), nil
}

// canonicalNumber keeps integer literals verbatim, so large IDs stay exact,
// and rewrites any other literal (1.0e4, 10017.0) in the shortest form a
// JSON serializer of doubles would emit.
func canonicalNumber(n json.Number) (json.Number, error) {
	if !strings.ContainsAny(n.String(), ".eE") {
		return n, nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnexpectedValue, err)
	}
	return json.Number(formatDouble(f)), nil
}

func formatDouble(f float64) string {
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	digits := strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + digits
}

func fieldErr(v any) error {
	if v == nil {
		return errMissingField
	}
	return fmt.Errorf("%w %T", errUnexpectedValue, v)
}

// Normalize projects a completed booking into the buyer payload.
func Normalize(bc BookingCompleted) Payload {
	return Payload{
		Timestamp:            FormatTimestamp(bc.Timestamp),
		ProductProviderBuyer: bc.ProductProvider,
		ProductOrderIDBuyer:  bc.OrderID,
	}
}

// FormatTimestamp renders epoch milliseconds as an ISO-8601 UTC string.
// Years outside 0000-9999 use the expanded six-digit signed form.
func FormatTimestamp(ms int64) string {
	t := time.UnixMilli(ms).UTC()
	year := t.Year()
	if year >= 0 && year <= 9999 {
		return t.Format(isoMillis)
	}
	sign := "+"
	if year < 0 {
		sign = "-"
		year = -year
	}
	return fmt.Sprintf("%s%06d%s", sign, year, t.Format(isoMillis[4:]))
}

// Marshal serializes a payload without HTML escaping and without a
// trailing newline.
func Marshal(p Payload) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
