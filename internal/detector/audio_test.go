package detector

import "testing"

func seedBaseline(c *Classifier, level float64, until int) {
	for ms := 0; ms <= until; ms += 100 {
		c.Push(mic(ms, level))
	}
}

func TestLoudImpulseConfirmedOnDecay(t *testing.T) {
	classifier := New("session-1", Thresholds{})
	seedBaseline(classifier, 40, 1000)

	events := pushAll(classifier, mic(1100, 78), mic(1200, 82), mic(1300, 60))
	if got := countKind(events, KindLoudImpulse); got != 1 {
		t.Fatalf("expected one LOUD_IMPULSE, got %d (%v)", got, events)
	}
	impulse := events[len(events)-1]
	if impulse.Meta["peakDb"] != 82 {
		t.Fatalf("expected peak level in meta, got %v", impulse.Meta)
	}
}

func TestSustainedSourceIsNotAnImpulse(t *testing.T) {
	classifier := New("session-1", Thresholds{})
	seedBaseline(classifier, 40, 1000)

	var events []Event
	for ms := 1100; ms <= 4500; ms += 100 {
		events = append(events, classifier.Push(mic(ms, 80))...)
	}
	if got := countKind(events, KindLoudImpulse); got != 0 {
		t.Fatalf("expected impulse candidate to time out, got %d", got)
	}
	if got := countKind(events, KindLoudSustained); got != 1 {
		t.Fatalf("expected one LOUD_SUSTAINED after the minimum duration, got %d (%v)", got, events)
	}

	for ms := 4600; ms <= 7600; ms += 100 {
		events = append(events, classifier.Push(mic(ms, 80))...)
	}
	if got := countKind(events, KindLoudSustained); got != 2 {
		t.Fatalf("expected sustained detection to repeat on a rolling basis, got %d", got)
	}

	baseline, ok := classifier.Baseline()
	if !ok || baseline > 41 {
		t.Fatalf("expected baseline to stay near the quiet floor, got %v", baseline)
	}
}

func TestSustainedSuppressedByHandling(t *testing.T) {
	classifier := New("session-1", Thresholds{})
	seedBaseline(classifier, 40, 1000)

	var events []Event
	for ms := 1100; ms <= 6000; ms += 100 {
		events = append(events, classifier.Push(mic(ms, 80))...)
		if ms%500 == 0 {
			events = append(events, classifier.Push(gyro(ms, 1.2))...)
		}
	}
	if got := countKind(events, KindLoudSustained); got != 0 {
		t.Fatalf("expected handling noise to suppress sustained detection, got %d", got)
	}
}

func TestQuietLevelsNeverTrigger(t *testing.T) {
	classifier := New("session-1", Thresholds{})
	var events []Event
	for ms := 0; ms <= 10000; ms += 100 {
		level := 45.0
		if (ms/100)%2 == 0 {
			level = 52
		}
		events = append(events, classifier.Push(mic(ms, level))...)
	}
	if len(events) != 0 {
		t.Fatalf("expected no audio events for ambient noise, got %v", events)
	}
}

func TestResetKeepsLearnedBaseline(t *testing.T) {
	classifier := New("session-1", Thresholds{})
	seedBaseline(classifier, 42, 500)
	before, _ := classifier.Baseline()

	classifier.Reset()

	after, ok := classifier.Baseline()
	if !ok || after != before {
		t.Fatalf("expected baseline %v to survive reset, got %v (ok=%v)", before, after, ok)
	}
}
