package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// QueueName identifies a queue and, with it, the payload schema of its jobs.
type QueueName string

const (
	QueueParseFile          QueueName = "parse-file"
	QueueComputeAggregates  QueueName = "compute-aggregates"
	QueueBuildContext       QueueName = "build-context"
	QueueResetCredits       QueueName = "reset-credits"
	QueueSendAuthEmail      QueueName = "send-auth-email"
	QueueSendSupportEmail   QueueName = "send-support-email"
	QueueSendProductUpdates QueueName = "send-product-update-email"
)

// Queues lists every known queue.
var Queues = []QueueName{
	QueueParseFile,
	QueueComputeAggregates,
	QueueBuildContext,
	QueueResetCredits,
	QueueSendAuthEmail,
	QueueSendSupportEmail,
	QueueSendProductUpdates,
}

// Valid reports whether q is a known queue.
func (q QueueName) Valid() bool {
	_, ok := payloadSchemas[q]
	return ok
}

// Payload is the tagged union of job payloads; the tag is the queue name.
type Payload interface {
	Queue() QueueName
}

// ParseFilePayload asks the pipeline to extract transactions from an uploaded file.
type ParseFilePayload struct {
	FileID  string `json:"fileId"`
	UserID  string `json:"userId"`
	TaxYear int    `json:"taxYear"`
}

func (ParseFilePayload) Queue() QueueName { return QueueParseFile }

// ComputeAggregatesPayload asks for a full recompute of a user's yearly aggregates.
type ComputeAggregatesPayload struct {
	UserID  string `json:"userId"`
	TaxYear int    `json:"taxYear"`
}

func (ComputeAggregatesPayload) Queue() QueueName { return QueueComputeAggregates }

// BuildContextPayload asks for the compact AI context to be rebuilt.
type BuildContextPayload struct {
	UserID  string `json:"userId"`
	TaxYear int    `json:"taxYear"`
}

func (BuildContextPayload) Queue() QueueName { return QueueBuildContext }

// ResetCreditsPayload triggers the weekly credit window reset.
type ResetCreditsPayload struct{}

func (ResetCreditsPayload) Queue() QueueName { return QueueResetCredits }

// AuthEmailPayload is a welcome / password email.
type AuthEmailPayload struct {
	To        string `json:"to"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	ResetLink string `json:"resetLink,omitempty"`
}

func (AuthEmailPayload) Queue() QueueName { return QueueSendAuthEmail }

// SupportEmailPayload forwards a support or feedback message to the team inbox.
type SupportEmailPayload struct {
	To        string `json:"to"`
	Type      string `json:"type"`
	FromName  string `json:"fromName"`
	FromEmail string `json:"fromEmail"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

func (SupportEmailPayload) Queue() QueueName { return QueueSendSupportEmail }

// ProductUpdateEmailPayload is an opt-in product announcement.
type ProductUpdateEmailPayload struct {
	To      string `json:"to"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

func (ProductUpdateEmailPayload) Queue() QueueName { return QueueSendProductUpdates }

const userYearProps = `
		"userId":  {"type": "string", "minLength": 1},
		"taxYear": {"type": "integer", "minimum": 2000, "maximum": 2100}`

var payloadSchemas = map[QueueName]string{
	QueueParseFile: `{
	"type": "object",
	"additionalProperties": false,
	"required": ["fileId", "userId", "taxYear"],
	"properties": {
		"fileId":  {"type": "string", "minLength": 1},` + userYearProps + `
	}
}`,
	QueueComputeAggregates: `{
	"type": "object",
	"additionalProperties": false,
	"required": ["userId", "taxYear"],
	"properties": {` + userYearProps + `
	}
}`,
	QueueBuildContext: `{
	"type": "object",
	"additionalProperties": false,
	"required": ["userId", "taxYear"],
	"properties": {` + userYearProps + `
	}
}`,
	QueueResetCredits: `{"type": "object", "maxProperties": 0}`,
	QueueSendAuthEmail: `{
	"type": "object",
	"required": ["to", "type", "name"],
	"properties": {
		"to":   {"type": "string", "minLength": 3},
		"type": {"enum": ["welcome", "password-reset", "password-changed"]},
		"name": {"type": "string"},
		"resetLink": {"type": "string"}
	},
	"if": {"properties": {"type": {"const": "password-reset"}}},
	"then": {"required": ["resetLink"]}
}`,
	QueueSendSupportEmail: `{
	"type": "object",
	"required": ["to", "type", "fromEmail", "subject", "message"],
	"properties": {
		"to":        {"type": "string", "minLength": 3},
		"type":      {"enum": ["support", "feedback"]},
		"fromName":  {"type": "string"},
		"fromEmail": {"type": "string", "minLength": 3},
		"subject":   {"type": "string", "minLength": 1},
		"message":   {"type": "string", "minLength": 1}
	}
}`,
	QueueSendProductUpdates: `{
	"type": "object",
	"required": ["to", "type", "subject", "content"],
	"properties": {
		"to":      {"type": "string", "minLength": 3},
		"type":    {"const": "product-update"},
		"name":    {"type": "string"},
		"subject": {"type": "string", "minLength": 1},
		"content": {"type": "string", "minLength": 1}
	}
}`,
}

var (
	compileOnce sync.Once
	compiled    map[QueueName]*jsonschema.Schema
)

func schemaFor(q QueueName) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[QueueName]*jsonschema.Schema, len(payloadSchemas))
		for name, src := range payloadSchemas {
			compiled[name] = jsonschema.MustCompileString("mem://payload/"+string(name)+".json", src)
		}
	})
	s, ok := compiled[q]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	return s, nil
}

// ValidatePayload checks raw JSON against the schema owned by queue q.
func ValidatePayload(q QueueName, raw json.RawMessage) error {
	s, err := schemaFor(q)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, q, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, q, err)
	}
	return nil
}

// EncodePayload marshals p and validates it against its queue schema.
func EncodePayload(p Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := ValidatePayload(p.Queue(), raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// DecodePayload validates raw against queue q and returns the concrete payload type.
func DecodePayload(q QueueName, raw json.RawMessage) (Payload, error) {
	if err := ValidatePayload(q, raw); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var (
		p   Payload
		err error
	)
	switch q {
	case QueueParseFile:
		var v ParseFilePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case QueueComputeAggregates:
		var v ComputeAggregatesPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case QueueBuildContext:
		var v BuildContextPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case QueueResetCredits:
		p = ResetCreditsPayload{}
	case QueueSendAuthEmail:
		var v AuthEmailPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case QueueSendSupportEmail:
		var v SupportEmailPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case QueueSendProductUpdates:
		var v ProductUpdateEmailPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, q, err)
	}
	return p, nil
}
