package model

import "testing"

func TestFailureReasonString(t *testing.T) {
	cases := []struct {
		name   string
		reason FailureReason
		want   string
	}{
		{"empty", FailureReason{}, ""},
		{"rejection keeps the judge's words", FailureReason{Kind: ReasonRejected, Step: StepQC, Detail: "subject off-center"}, "subject off-center"},
		{"processing with detail", FailureReason{Kind: ReasonProcessing, Step: StepBackground, Detail: "timeout"}, "processing_failed:background_removal:timeout"},
		{"processing without detail", FailureReason{Kind: ReasonProcessing, Step: StepSave}, "processing_failed:save"},
	}
	for _, c := range cases {
		if got := c.reason.String(); got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, got, c.want)
		}
	}
}

func TestQCStatusTransitions(t *testing.T) {
	img := NewGeneratedImage("id", "map", "exec", "prompt", nil, ProcessingSettings{})
	if img.QCStatus != QCStatusProcessing {
		t.Fatalf("new image status = %s, want processing", img.QCStatus)
	}

	img.MarkFailed(QCStatusFailed, FailureReason{Kind: ReasonRejected, Detail: "no"})
	if img.FinalImagePath != "" {
		t.Fatal("failed image kept a final path")
	}

	img.MarkApproved("final/map.png")
	if img.QCStatus != QCStatusApproved || img.FinalImagePath != "final/map.png" {
		t.Fatalf("approved image = %s %q", img.QCStatus, img.FinalImagePath)
	}
	if !img.Reason.Empty() {
		t.Fatalf("approval left a stale reason: %+v", img.Reason)
	}
}

func TestQCStatusRetryable(t *testing.T) {
	for status, want := range map[QCStatus]bool{
		QCStatusFailed:       true,
		QCStatusRetryPending: true,
		QCStatusRetryFailed:  true,
		QCStatusApproved:     false,
		QCStatusProcessing:   false,
		QCStatusPending:      false,
	} {
		if status.Retryable() != want {
			t.Errorf("%s.Retryable() = %v, want %v", status, !want, want)
		}
	}
}
