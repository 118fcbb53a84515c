package flowshm

import "testing"

func TestTimestamp_Conversions(t *testing.T) {
	ts := FromMillis(1500)
	if ts.Millis() != 1500 {
		t.Fatalf("Millis() = %d, want 1500", ts.Millis())
	}
	if ts.Micros() != 1_500_000 {
		t.Fatalf("Micros() = %d, want 1500000", ts.Micros())
	}
	if ts.Seconds() != 1.5 {
		t.Fatalf("Seconds() = %v, want 1.5", ts.Seconds())
	}
}

func TestTimeRange_IsZero(t *testing.T) {
	var r TimeRange
	if !r.IsZero() {
		t.Fatalf("zero-value TimeRange should report IsZero")
	}
	r.Start = 1
	if r.IsZero() {
		t.Fatalf("non-zero Start should not report IsZero")
	}
}

func TestStatus_String(t *testing.T) {
	if StatusFull.String() != "FULL" {
		t.Fatalf("StatusFull.String() = %q", StatusFull.String())
	}
}

func TestWorkResult_String(t *testing.T) {
	if WorkInsufficientOutput.String() != "INSUFFICIENT_OUTPUT" {
		t.Fatalf("WorkInsufficientOutput.String() = %q", WorkInsufficientOutput.String())
	}
}
