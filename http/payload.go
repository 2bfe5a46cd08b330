package http

import (
	"encoding/json"
	"fmt"
	"math"
)

// ValidationKind classifies why a scoring payload was rejected.
type ValidationKind int

const (
	KindMissingFeatures ValidationKind = iota
	KindMalformedInput
	KindWrongFeatureCount
	KindInvalidValue
)

// ValidationError is a rejected payload. Row is the offending batch row
// index, or -1 for single-row input.
type ValidationError struct {
	Kind     ValidationKind
	Row      int
	Expected int
	Got      int
	Message  string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationError(kind ValidationKind, message string) *ValidationError {
	return &ValidationError{Kind: kind, Row: -1, Message: message}
}

const (
	msgBodyNotJSON  = "Invalid request body"
	msgNoFeatures   = "Features not provided"
	msgUnknownShape = "Invalid input format. Use 'data' or 'features'."
)

func msgFeatureList(want int) string {
	return fmt.Sprintf("Features must be a list of %d numbers", want)
}

func msgRowList(row, want int) string {
	return fmt.Sprintf("Row %d must be a list of %d numbers", row, want)
}

// Payload is a validated scoring request body: one row taken from a
// features key, or one-or-many rows taken from a data key.
type Payload struct {
	Rows  [][]float64
	Batch bool
}

// parseFeatures validates a prediction body, which carries exactly one
// row of want numbers under a features key.
func parseFeatures(body []byte, want int) ([]float64, *ValidationError) {
	var request struct {
		Features json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, validationError(KindMalformedInput, msgBodyNotJSON)
	}
	if len(request.Features) == 0 {
		return nil, validationError(KindMissingFeatures, msgNoFeatures)
	}

	row, verr := parseRow(request.Features, want, -1)
	if verr != nil {
		verr.Message = msgFeatureList(want)
		return nil, verr
	}
	return row, nil
}

// parsePayload validates a scoring body. The features key wins when
// both keys are present; a flat numeric value under data behaves like
// a features row.
func parsePayload(body []byte, want int) (*Payload, *ValidationError) {
	var request struct {
		Features json.RawMessage `json:"features"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, validationError(KindMalformedInput, msgBodyNotJSON)
	}

	if len(request.Features) > 0 {
		row, verr := parseRow(request.Features, want, -1)
		if verr != nil {
			if verr.Kind == KindMalformedInput {
				verr.Message = msgUnknownShape
			} else {
				verr.Message = msgFeatureList(want)
			}
			return nil, verr
		}
		return &Payload{Rows: [][]float64{row}}, nil
	}

	if len(request.Data) == 0 {
		return nil, validationError(KindMissingFeatures, msgUnknownShape)
	}
	elems, ok := decodeArray(request.Data)
	if !ok {
		return nil, validationError(KindMalformedInput, msgUnknownShape)
	}
	if len(elems) == 0 {
		return &Payload{Rows: [][]float64{}, Batch: true}, nil
	}

	if elems[0][0] != '[' {
		row, verr := parseRow(request.Data, want, -1)
		if verr != nil {
			verr.Message = msgFeatureList(want)
			return nil, verr
		}
		return &Payload{Rows: [][]float64{row}}, nil
	}

	rows := make([][]float64, 0, len(elems))
	for i, elem := range elems {
		row, verr := parseRow(elem, want, i)
		if verr != nil {
			// a row that is not a list reads as a bad row, not a
			// malformed payload
			if verr.Kind == KindMalformedInput {
				verr.Kind = KindWrongFeatureCount
			}
			verr.Message = msgRowList(i, want)
			return nil, verr
		}
		rows = append(rows, row)
	}
	return &Payload{Rows: rows, Batch: true}, nil
}

// parseRow decodes one row of exactly want finite numbers. The caller
// fills in Message.
func parseRow(raw json.RawMessage, want, row int) ([]float64, *ValidationError) {
	elems, ok := decodeArray(raw)
	if !ok {
		return nil, &ValidationError{Kind: KindMalformedInput, Row: row, Expected: want}
	}
	if len(elems) != want {
		return nil, &ValidationError{Kind: KindWrongFeatureCount, Row: row, Expected: want, Got: len(elems)}
	}
	vector := make([]float64, len(elems))
	for i, elem := range elems {
		value, ok := decodeNumber(elem)
		if !ok {
			return nil, &ValidationError{Kind: KindInvalidValue, Row: row, Expected: want}
		}
		vector[i] = value
	}
	return vector, nil
}

func decodeArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	// JSON null unmarshals into a slice without error
	if string(raw) == "null" {
		return nil, false
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false
	}
	return elems, true
}

func decodeNumber(raw json.RawMessage) (float64, bool) {
	// JSON null leaves a float64 untouched instead of failing
	if string(raw) == "null" {
		return 0, false
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, false
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}
