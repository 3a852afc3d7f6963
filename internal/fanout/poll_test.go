package fanout

import (
	"testing"

	"github.com/haasonsaas/wagate/pkg/models"
)

func TestPollBuffer_CoalescesStatus(t *testing.T) {
	buf := NewPollBuffer(8, nil)

	buf.Deliver(models.Event{Seq: 1, Kind: models.EventPairingToken, PairingToken: "A"})
	buf.Deliver(models.Event{Seq: 2, Kind: models.EventPairingToken, PairingToken: "B"})
	buf.Deliver(models.Event{Seq: 3, Kind: models.EventPairingToken, PairingToken: "C"})

	res := buf.Drain()
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(res.Events))
	}
	if res.Events[0].PairingToken != "C" {
		t.Errorf("token = %q, want latest C", res.Events[0].PairingToken)
	}

	buf.Deliver(models.Event{Seq: 4, Kind: models.EventPairingToken, PairingToken: "D"})
	buf.Deliver(models.Event{Seq: 5, Kind: models.EventConnected, Identity: &models.Identity{Name: "Alice"}})
	res = buf.Drain()
	if len(res.Events) != 1 || res.Events[0].Kind != models.EventConnected {
		t.Errorf("connected should supersede pairing token, got %+v", res.Events)
	}
}

func TestPollBuffer_QueuesMessagesInOrder(t *testing.T) {
	buf := NewPollBuffer(8, nil)

	buf.Deliver(models.Event{Seq: 1, Kind: models.EventMessageReceived})
	buf.Deliver(models.Event{Seq: 2, Kind: models.EventConnected})
	buf.Deliver(models.Event{Seq: 3, Kind: models.EventMessageSent})
	buf.Deliver(models.Event{Seq: 4, Kind: models.EventMessageReceived})

	if n := buf.Pending(); n != 4 {
		t.Errorf("Pending() = %d, want 4", n)
	}

	res := buf.Drain()
	if len(res.Events) != 4 {
		t.Fatalf("got %d events, want 4", len(res.Events))
	}
	for i, ev := range res.Events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
	}

	if again := buf.Drain(); len(again.Events) != 0 || again.Dropped != 0 {
		t.Errorf("Drain() should be destructive, got %+v", again)
	}
}

func TestPollBuffer_OverflowDropsOldest(t *testing.T) {
	drops := 0
	buf := NewPollBuffer(3, func() { drops++ })

	for seq := uint64(1); seq <= 5; seq++ {
		if err := buf.Deliver(models.Event{Seq: seq, Kind: models.EventMessageReceived}); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}

	res := buf.Drain()
	if res.Dropped != 2 || drops != 2 {
		t.Errorf("dropped = %d (callback %d), want 2", res.Dropped, drops)
	}
	if len(res.Events) != 3 || res.Events[0].Seq != 3 || res.Events[2].Seq != 5 {
		t.Errorf("events = %+v, want seqs 3..5", res.Events)
	}
}

func TestPollBuffer_DefaultCapacity(t *testing.T) {
	buf := NewPollBuffer(0, nil)
	if buf.capacity != DefaultPollCapacity {
		t.Errorf("capacity = %d, want %d", buf.capacity, DefaultPollCapacity)
	}
}
