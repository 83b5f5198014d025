package _switch

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/synapse-relay/backend/model"
	"github.com/rs/zerolog"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger, 20*time.Millisecond)
}

func TestSendUnicast(t *testing.T) {
	sw := newTestSwitch()
	a, b := model.NewWire(4), model.NewWire(4)
	sw.Connect("a", a)
	sw.Connect("b", b)

	ann := model.Announcement{Type: model.TypeWebRTCOffer, From: "a"}
	if !sw.Send(context.Background(), ann, "b") {
		t.Fatal("expected delivery to b")
	}
	if got := <-b.TX; got.Type != model.TypeWebRTCOffer || got.From != "a" {
		t.Fatalf("unexpected announcement: %+v", got)
	}
	if len(a.TX) != 0 {
		t.Fatal("unicast leaked to sender")
	}
	if sw.Send(context.Background(), ann, "missing") {
		t.Fatal("delivery to unknown endpoint must fail")
	}
}

func TestBroadcastSkipsSourceAndFiltered(t *testing.T) {
	sw := newTestSwitch()
	wires := map[string]model.Wire{}
	for _, id := range []string{"a", "b", "c"} {
		wires[id] = model.NewWire(4)
		sw.Connect(id, wires[id])
	}

	reached := sw.Broadcast(context.Background(), model.Announcement{Type: "x", From: "a", To: "b"}, func(dst string) bool {
		return dst == "c"
	})
	if reached != 1 {
		t.Fatalf("expected 1 endpoint reached, got %d", reached)
	}
	got := <-wires["b"].TX
	if got.To != "" {
		t.Fatalf("broadcast must clear dst, got %q", got.To)
	}
	if len(wires["a"].TX) != 0 || len(wires["c"].TX) != 0 {
		t.Fatal("broadcast reached excluded endpoints")
	}
}

func TestDeadEndpointTimesOut(t *testing.T) {
	sw := newTestSwitch()
	dead := model.Wire{RX: make(chan model.Announcement), TX: make(chan model.Announcement)}
	sw.Connect("dead", dead)

	start := time.Now()
	if sw.Send(context.Background(), model.Announcement{Type: "x"}, "dead") {
		t.Fatal("nobody reads the dead endpoint")
	}
	if time.Since(start) > time.Second {
		t.Fatal("send was not bounded by the forward timeout")
	}
}

func TestDisconnect(t *testing.T) {
	sw := newTestSwitch()
	sw.Connect("a", model.NewWire(1))
	if !sw.Connected("a") {
		t.Fatal("expected a to be connected")
	}
	sw.Disconnect("a")
	if sw.Connected("a") {
		t.Fatal("expected a to be disconnected")
	}
}
