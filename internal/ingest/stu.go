package ingest

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"balloon_tracker/internal/metrics"
)

const (
	stuSchemaLocation = "http://cody.glpconnect.com/XSD/StuResponse_Rev1_0.xsd"
	xsiNamespace      = "http://www.w3.org/2001/XMLSchema-instance"
	stuTimeLayout     = "02/01/2006 15:04:05 GMT"
)

// STUMessages is a Globalstar simplex delivery batch.
type STUMessages struct {
	XMLName   xml.Name     `xml:"stuMessages"`
	MessageID string       `xml:"messageID,attr"`
	Messages  []STUMessage `xml:"stuMessage"`
}

type STUMessage struct {
	ESN      string     `xml:"esn"`
	UnixTime string     `xml:"unixTime"`
	GPS      string     `xml:"gps"`
	Payload  STUPayload `xml:"payload"`
}

type STUPayload struct {
	Encoding string `xml:"encoding,attr"`
	Length   string `xml:"length,attr"`
	Source   string `xml:"source,attr"`
	Value    string `xml:",chardata"`
}

// STUResponse acknowledges a batch.
type STUResponse struct {
	XMLName           xml.Name `xml:"stuResponseMsg"`
	XSI               string   `xml:"xmlns:xsi,attr"`
	SchemaLocation    string   `xml:"xsi:noNamespaceSchemaLocation,attr"`
	DeliveryTimeStamp string   `xml:"deliveryTimeStamp,attr"`
	CorrelationID     string   `xml:"correlationID,attr"`
	State             string   `xml:"state"`
	StateMessage      string   `xml:"stateMessage"`
}

// NewSTUResponse builds an acknowledgement stamped at now.
func NewSTUResponse(correlationID string, pass bool, message string, now time.Time) STUResponse {
	st := "fail"
	if pass {
		st = "pass"
	}
	return STUResponse{
		XSI:               xsiNamespace,
		SchemaLocation:    stuSchemaLocation,
		DeliveryTimeStamp: now.UTC().Format(stuTimeLayout),
		CorrelationID:     correlationID,
		State:             st,
		StateMessage:      message,
	}
}

// Marshal renders the response with an XML declaration.
func (r STUResponse) Marshal() ([]byte, error) {
	b, err := xml.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), b...), nil
}

// ParseSTU decodes a delivery batch.
func ParseSTU(body []byte) (*STUMessages, error) {
	var batch STUMessages
	if err := xml.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("parse stuMessages: %w", err)
	}
	return &batch, nil
}

// ProcessSTU records every hex payload in a batch. Messages without a
// payload are skipped; any other encoding fails the batch. Each message is
// correlated by the batch messageID and its ESN, so a redelivered batch hits
// the idempotency ledger while different devices in one batch stay apart.
func (p *Processor) ProcessSTU(ctx context.Context, body []byte) STUResponse {
	now := p.clock.Now()
	batch, err := ParseSTU(body)
	if err != nil {
		p.metrics.Ingest(metrics.ResultError)
		p.log.Warn().Err(err).Msg("rejected stu batch")
		return NewSTUResponse("error", false, err.Error(), now)
	}
	corr := batch.MessageID
	if corr == "" {
		corr = "unknown"
	}

	processed := 0
	for i, m := range batch.Messages {
		text := strings.TrimSpace(m.Payload.Value)
		if text == "" {
			continue
		}
		if enc := strings.ToLower(m.Payload.Encoding); enc != "hex" {
			p.metrics.Ingest(metrics.ResultError)
			return NewSTUResponse(corr, false, fmt.Sprintf("Unsupported payload encoding: %s", enc), now)
		}

		req := Request{
			DeviceID:      m.ESN,
			Payload:       text,
			Encoding:      "hex",
			CorrelationID: stuCorrelationID(batch.MessageID, m.ESN),
		}
		if sec, err := strconv.ParseInt(strings.TrimSpace(m.UnixTime), 10, 64); err == nil && sec > 0 {
			req.EnvelopeTimeISO = time.Unix(sec, 0).UTC().Format(time.RFC3339)
		}
		if _, err := p.Process(ctx, req); err != nil {
			p.log.Warn().Err(err).Str("message_id", batch.MessageID).Int("index", i).Msg("stu message failed")
			return NewSTUResponse(corr, false, err.Error(), now)
		}
		processed++
	}

	msg := "No stuMessage payloads found"
	if processed > 0 {
		msg = fmt.Sprintf("%d messages received and stored successfully", processed)
	}
	return NewSTUResponse(corr, true, msg, now)
}

func stuCorrelationID(messageID, esn string) string {
	if messageID == "" {
		return ""
	}
	return messageID + "/" + strings.TrimSpace(esn)
}
