package clock

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestDefault_IsRealClockUnlessOverridden(t *testing.T) {
	if Default() != clockz.RealClock {
		t.Fatalf("Default() should be clockz.RealClock before any SetDefault call")
	}

	fake := clockz.NewFakeClock()
	SetDefault(fake)
	defer SetDefault(clockz.RealClock)

	if Default() != fake {
		t.Fatalf("Default() did not return the overridden clock")
	}
}

func TestNow_Advances(t *testing.T) {
	first := Now()
	time.Sleep(2 * time.Millisecond)
	second := Now()
	if second.Before(first) {
		t.Fatalf("Now() went backwards: %v then %v", first, second)
	}
}
