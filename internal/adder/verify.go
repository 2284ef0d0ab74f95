package adder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/vecadd/internal/parallel"
)

// ErrVerificationMismatch is returned when result elements differ from the
// host-computed sums.
var ErrVerificationMismatch = errors.New("adder: verification mismatch")

// verifyChunk is the number of elements one verification work item checks.
const verifyChunk = 1 << 16

// Mismatch is one result element that differs from A[i] + B[i].
type Mismatch struct {
	Index    int
	A        float32
	B        float32
	Expected float32
	Actual   float32
}

func (m Mismatch) String() string {
	return fmt.Sprintf("index=%d result=%g vs %g=%g+%g", m.Index, m.Actual, m.Expected, m.A, m.B)
}

// Report is the outcome of a verification pass.
type Report struct {
	// Count is the number of elements checked.
	Count int
	// Mismatches holds every differing element, sorted by index.
	Mismatches []Mismatch
}

// OK reports whether every element matched.
func (r Report) OK() bool {
	return len(r.Mismatches) == 0
}

// Err returns nil for a clean report and a *MismatchError otherwise.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &MismatchError{Report: r}
}

// MismatchError wraps a failed report. It matches ErrVerificationMismatch.
type MismatchError struct {
	Report Report
}

func (e *MismatchError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "adder: %d of %d results differ", len(e.Report.Mismatches), e.Report.Count)
	if len(e.Report.Mismatches) > 0 {
		fmt.Fprintf(&sb, "; first at %s", e.Report.Mismatches[0])
	}
	return sb.String()
}

func (e *MismatchError) Unwrap() error {
	return ErrVerificationMismatch
}

// Verify checks result[i] == a[i] + b[i] with exact float32 equality for
// every i in [0, count) and collects all mismatches. Chunks are checked in
// parallel; the report does not depend on scheduling.
func Verify(a, b, result []float32, count int, cfg parallel.Config) Report {
	if count <= 0 {
		return Report{}
	}
	a, b, result = a[:count], b[:count], result[:count]

	chunks := make([][]Mismatch, (count+verifyChunk-1)/verifyChunk)
	parallel.Chunks(count, verifyChunk, func(start, end int) {
		var found []Mismatch
		for i := start; i < end; i++ {
			expected := a[i] + b[i]
			if result[i] != expected {
				found = append(found, Mismatch{
					Index:    i,
					A:        a[i],
					B:        b[i],
					Expected: expected,
					Actual:   result[i],
				})
			}
		}
		chunks[start/verifyChunk] = found
	}, cfg)

	report := Report{Count: count}
	for _, found := range chunks {
		report.Mismatches = append(report.Mismatches, found...)
	}
	return report
}
