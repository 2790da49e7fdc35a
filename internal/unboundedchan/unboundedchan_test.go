package unboundedchan

import "testing"

func TestOrderPreserved(t *testing.T) {
	uc := NewUnboundedChannel[int]()
	const n = 10000
	// Send everything before reading anything: must not block.
	for i := 0; i < n; i++ {
		uc.In() <- i
	}
	for i := 0; i < n; i++ {
		if got := <-uc.Out(); got != i {
			t.Fatalf("received %d, want %d", got, i)
		}
	}
}

func TestCloseDrains(t *testing.T) {
	uc := NewUnboundedChannel[string]()
	uc.In() <- "a"
	uc.In() <- "b"
	close(uc.In())

	var got []string
	for s := range uc.Out() {
		got = append(got, s)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("drained %v, want [a b]", got)
	}
}
