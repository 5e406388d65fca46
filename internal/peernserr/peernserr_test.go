package peernserr_test

import (
	"fmt"
	"testing"

	"github.com/peerns/peerns/internal/peernserr"
)

func TestClassifyWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("dial 10.0.0.1: %w", peernserr.ErrTransportUnreachable)

	kind, ok := peernserr.Classify(wrapped)
	if !ok {
		t.Fatalf("expected Classify to recognize the wrapped sentinel")
	}
	if kind != peernserr.KindTransportUnreachable {
		t.Fatalf("got kind %q, want %q", kind, peernserr.KindTransportUnreachable)
	}
}

func TestClassifyUnrelatedError(t *testing.T) {
	if _, ok := peernserr.Classify(fmt.Errorf("something else")); ok {
		t.Fatalf("expected Classify to reject an unrelated error")
	}
}
