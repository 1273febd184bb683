package pipeline

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Unit outcomes recorded in reports.
const (
	OutcomePlanned   = "planned"
	OutcomeExecuted  = "executed"
	OutcomeUnmatched = "unmatched"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Report describes one driver run or dry run.
type Report struct {
	StartedAt time.Time       `cbor:"started_at"`
	Duration  time.Duration   `cbor:"duration_ns"`
	DryRun    bool            `cbor:"dry_run"`
	Backends  []BackendReport `cbor:"backends"`
	Units     []UnitReport    `cbor:"units"`
}

type BackendReport struct {
	Name      string `cbor:"name"`
	Available bool   `cbor:"available"`
	Reason    string `cbor:"reason,omitempty"`
}

// UnitReport records the fate of one unit.
type UnitReport struct {
	Primary string        `cbor:"primary"`
	Rule    int           `cbor:"rule"`
	Pattern string        `cbor:"pattern"`
	Pass    string        `cbor:"pass,omitempty"`
	Inputs  []InputReport `cbor:"inputs"`
	Outputs []string      `cbor:"outputs,omitempty"`
	Outcome string        `cbor:"outcome"`
	Error   string        `cbor:"error,omitempty"`
}

// InputReport is what the normalizer saw of one input before the pass ran.
type InputReport struct {
	Name    string `cbor:"name"`
	Kind    string `cbor:"kind"`
	Backend string `cbor:"backend,omitempty"`

	// Diagnostic is set when the value will be passed through unconverted.
	Diagnostic string `cbor:"diagnostic,omitempty"`
}

// Count returns the number of units with the given outcome.
func (r *Report) Count(outcome string) int {
	n := 0
	for _, u := range r.Units {
		if u.Outcome == outcome {
			n++
		}
	}
	return n
}

// WriteCBOR encodes the report.
func (r *Report) WriteCBOR(w io.Writer) error {
	if err := cbor.NewEncoder(w).Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// ReadReport decodes a report written by WriteCBOR.
func ReadReport(rd io.Reader) (*Report, error) {
	var r Report
	if err := cbor.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}
