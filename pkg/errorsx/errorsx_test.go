package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonSlotConflict)
	if Reason(err) != ReasonSlotConflict {
		t.Fatalf("expected reason %s, got %s", ReasonSlotConflict, Reason(err))
	}
	if !HasReason(err, ReasonSlotConflict) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonRecognitionUnavailable)
	second := Wrap(first, ReasonSlotConflict)
	if Reason(second) != ReasonRecognitionUnavailable {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestFatalReasons(t *testing.T) {
	if !IsFatal(New("recognizer gone", ReasonRecognitionUnavailable)) {
		t.Fatalf("recognition_unavailable must be fatal")
	}
	if !IsFatal(New("socket closed", ReasonTransportDisconnect)) {
		t.Fatalf("transport_disconnect must be fatal")
	}
	for _, r := range []ReasonCode{ReasonGenerationTimeout, ReasonToolLoopExceeded, ReasonSlotConflict, ReasonBookingValidation} {
		if Fatal(r) {
			t.Fatalf("%s must be recoverable", r)
		}
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
