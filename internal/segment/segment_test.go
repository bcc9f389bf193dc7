package segment

import "testing"

func TestCanTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusUploading}:       true,
		{StatusPending, StatusQueuedOffline}:   true,
		{StatusUploading, StatusTranscribed}:   true,
		{StatusUploading, StatusFailed}:        true,
		{StatusUploading, StatusQueuedOffline}: true,
		{StatusUploading, StatusPending}:       true,
		{StatusFailed, StatusPending}:          true,
		{StatusFailed, StatusTranscribed}:      true,
		{StatusQueuedOffline, StatusPending}:   true,
	}

	statuses := []Status{StatusPending, StatusUploading, StatusTranscribed, StatusFailed, StatusQueuedOffline}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StatusTranscribed.Terminal() {
		t.Fatal("transcribed must be terminal")
	}
	for _, s := range []Status{StatusPending, StatusUploading, StatusFailed, StatusQueuedOffline} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestIDOrdering(t *testing.T) {
	a := ID{SessionID: "aaa", Index: 9}
	b := ID{SessionID: "bbb", Index: 0}
	if !a.Less(b) {
		t.Fatal("session id should dominate ordering")
	}
	c := ID{SessionID: "aaa", Index: 2}
	if !c.Less(a) || a.Less(c) {
		t.Fatal("index should order within a session")
	}
	if a.Less(a) {
		t.Fatal("Less must be irreflexive")
	}
}

func TestKnown(t *testing.T) {
	if Status("bogus").Known() {
		t.Fatal("unexpected status accepted")
	}
	if !StatusQueuedOffline.Known() {
		t.Fatal("queued_offline should be known")
	}
}
