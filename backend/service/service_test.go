package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/synapse-relay/backend/model"
	"github.com/adwski/synapse-relay/backend/provider"
	"github.com/adwski/synapse-relay/backend/session"
	"github.com/adwski/synapse-relay/backend/storage/memory"
	_switch "github.com/adwski/synapse-relay/backend/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const waitTimeout = time.Second

type providerFunc func(ctx context.Context) (provider.Room, error)

func (f providerFunc) CreateRoom(ctx context.Context) (provider.Room, error) {
	return f(ctx)
}

type failingStore struct {
	*memory.MemStore
	appendErr error
	findErr   error
	panicMsg  string
}

func (fs *failingStore) FindAfter(ctx context.Context, after model.EventID, limit int) ([]model.ChatEvent, error) {
	if fs.findErr != nil {
		return nil, fs.findErr
	}
	return fs.MemStore.FindAfter(ctx, after, limit)
}

func (fs *failingStore) Append(ctx context.Context, ev *model.ChatEvent) error {
	if fs.panicMsg != "" {
		panic(fs.panicMsg)
	}
	if fs.appendErr != nil {
		return fs.appendErr
	}
	return fs.MemStore.Append(ctx, ev)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	svc   *Service
	store Store
	wires map[string]model.Wire
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zerolog.Nop()
	if cfg.Store == nil {
		cfg.Store = memory.NewMemStore()
	}
	cfg.Logger = &logger
	cfg.Switch = _switch.NewSwitch(&logger, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &harness{
		t:     t,
		ctx:   ctx,
		svc:   NewService(cfg),
		store: cfg.Store,
		wires: make(map[string]model.Wire),
	}
}

// connect attaches a session and consumes its "connected" announcement.
func (h *harness) connect(id, username string, offset model.EventID) model.Wire {
	h.t.Helper()
	wire := model.NewWire(64)
	sess, err := h.svc.Connect(h.ctx, id, model.AuthPayload{Username: username, ServerOffset: offset}, wire)
	if err != nil {
		h.t.Fatalf("Connect(%s): %v", id, err)
	}
	if sess.State != session.StateIdle {
		h.t.Fatalf("new session must be idle, got %s", sess.State)
	}
	ann := expect(h.t, wire, model.TypeConnected)
	var hello model.ConnectedPayload
	mustUnmarshal(h.t, ann.Payload, &hello)
	if hello.ConnectionID != id {
		h.t.Fatalf("unexpected connected payload: %s", spew.Sdump(hello))
	}
	h.wires[id] = wire
	return wire
}

// send mimics the transport: the source is always the connection itself.
func (h *harness) send(from, typ, to string, payload any) {
	h.t.Helper()
	ann := model.NewAnnouncement(typ, payload)
	ann.To = to
	ann.From = from
	select {
	case h.wires[from].RX <- ann:
	case <-time.After(waitTimeout):
		h.t.Fatalf("%s: inbound %s not consumed", from, typ)
	}
}

func (h *harness) state(id string) session.Session {
	sess, _ := h.svc.Sessions().Get(id)
	return sess
}

func expect(t *testing.T, wire model.Wire, typ string) model.Announcement {
	t.Helper()
	select {
	case ann := <-wire.TX:
		if ann.Type != typ {
			t.Fatalf("expected %q, got:\n%s", typ, spew.Sdump(ann))
		}
		return ann
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %q", typ)
	}
	return model.Announcement{}
}

func expectNone(t *testing.T, wire model.Wire) {
	t.Helper()
	select {
	case ann := <-wire.TX:
		t.Fatalf("unexpected announcement:\n%s", spew.Sdump(ann))
	case <-time.After(100 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustUnmarshal(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("cannot unmarshal %s: %v", raw, err)
	}
}

func message(t *testing.T, ann model.Announcement) model.MessagePayload {
	t.Helper()
	var msg model.MessagePayload
	mustUnmarshal(t, ann.Payload, &msg)
	return msg
}

func errorText(t *testing.T, ann model.Announcement) string {
	t.Helper()
	var s string
	mustUnmarshal(t, ann.Payload, &s)
	return s
}

func TestSubmitAssignsIncreasingIDsAndRecoversSuffix(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect("a", "alice", 0)

	var events []*model.ChatEvent
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		ev, err := h.svc.Submit(h.ctx, "a", model.KindText, text)
		if err != nil {
			t.Fatalf("Submit(%q): %v", text, err)
		}
		if n := len(events); n > 0 && ev.ID <= events[n-1].ID {
			t.Fatalf("ids are not increasing:\n%s", spew.Sdump(events, ev))
		}
		events = append(events, ev)
	}

	got, err := h.svc.Recover(h.ctx, events[1].ID)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events after %d, got:\n%s", events[1].ID, spew.Sdump(got))
	}
	for i := range got {
		want := events[i+2]
		if got[i].ID != want.ID || got[i].Content != want.Content || got[i].Author != "alice" {
			t.Fatalf("event %d mismatch:\n%s", i, spew.Sdump(got[i], want))
		}
	}

	again, err := h.svc.Recover(h.ctx, events[1].ID)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if spew.Sdump(got) != spew.Sdump(again) {
		t.Fatalf("recovery is not idempotent:\n%s", spew.Sdump(got, again))
	}
}

func TestRecoveryLimit(t *testing.T) {
	h := newHarness(t, Config{RecoveryLimit: 3})
	h.connect("a", "alice", 0)
	for i := 0; i < 5; i++ {
		if _, err := h.svc.Submit(h.ctx, "a", model.KindText, "x"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := h.svc.Recover(h.ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != 1 || got[2].ID != 3 {
		t.Fatalf("expected the oldest 3 events, got:\n%s", spew.Sdump(got))
	}
}

func TestHelloWorldScenario(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "A", 0)
	b := h.connect("b", "B", 0)

	h.send("a", model.TypeSubmitText, "", model.SubmitText{Text: "hello"})
	hello := message(t, expect(t, a, model.TypeTextReceived))
	if got := message(t, expect(t, b, model.TypeTextReceived)); got != hello {
		t.Fatalf("participants saw different events:\n%s", spew.Sdump(hello, got))
	}
	if hello.Payload != "hello" || hello.Author != "A" || hello.EventID != 1 {
		t.Fatalf("unexpected event:\n%s", spew.Sdump(hello))
	}

	h.send("b", model.TypeSubmitText, "", model.SubmitText{Text: "world"})
	world := message(t, expect(t, a, model.TypeTextReceived))
	expect(t, b, model.TypeTextReceived)
	if world.Payload != "world" || world.Author != "B" || world.EventID != 2 {
		t.Fatalf("unexpected event:\n%s", spew.Sdump(world))
	}

	// C reconnects having seen only the first message.
	c := h.connect("c", "C", hello.EventID)
	if got := message(t, expect(t, c, model.TypeTextReceived)); got.EventID != world.EventID || got.Payload != "world" {
		t.Fatalf("unexpected replay:\n%s", spew.Sdump(got))
	}
	expectNone(t, c)
}

func TestConnectReplaysBeforeLiveEvents(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect("a", "alice", 0)
	for _, text := range []string{"one", "two", "three"} {
		if _, err := h.svc.Submit(h.ctx, "a", model.KindText, text); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, _ = h.svc.Submit(h.ctx, "a", model.KindText, "live")
		}
	}()
	b := h.connect("b", "bob", 1)
	wg.Wait()

	var prev model.EventID = 1
	for prev < 13 {
		got := message(t, expect(t, b, model.TypeTextReceived))
		if got.EventID != prev+1 {
			t.Fatalf("gap or duplicate after %d:\n%s", prev, spew.Sdump(got))
		}
		prev = got.EventID
	}
}

func TestInvalidOffsetReplaysFromStart(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect("a", "alice", 0)
	if _, err := h.svc.Submit(h.ctx, "a", model.KindText, "first"); err != nil {
		t.Fatal(err)
	}

	var auth model.AuthPayload
	if err := json.Unmarshal([]byte(`{"username":"bob","serverOffset":"65f1c0ffee"}`), &auth); err != nil {
		t.Fatal(err)
	}
	b := h.connect("b", auth.Username, auth.ServerOffset)
	if got := message(t, expect(t, b, model.TypeTextReceived)); got.EventID != 1 {
		t.Fatalf("unexpected replay:\n%s", spew.Sdump(got))
	}
}

func TestEmptyTextIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "alice", 0)
	b := h.connect("b", "bob", 0)

	h.send("a", model.TypeSubmitText, "", model.SubmitText{Text: " \t\n "})
	h.send("a", model.TypeSubmitText, "", model.SubmitText{Text: "  padded  "})

	got := message(t, expect(t, b, model.TypeTextReceived))
	if got.EventID != 1 || got.Payload != "  padded  " {
		t.Fatalf("unexpected event:\n%s", spew.Sdump(got))
	}
	expect(t, a, model.TypeTextReceived)
	expectNone(t, a)
}

func TestOversizedMediaIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect("a", "alice", 0)
	b := h.connect("b", "bob", 0)

	// 60 MB decoded against the default 50 MB ceiling.
	blob := "data:image/png;base64," + strings.Repeat("AAAA", 20<<20)
	_, err := h.svc.Submit(h.ctx, "a", model.KindImage, blob)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if msg := validationMessage(err); msg != "image exceeds maximum size of 50 MB" {
		t.Fatalf("unexpected message %q", msg)
	}

	events, _ := h.svc.Recover(h.ctx, 0)
	if len(events) != 0 {
		t.Fatalf("rejected media was persisted:\n%s", spew.Sdump(events))
	}
	expectNone(t, b)
}

func TestMediaErrorGoesToOriginatorOnly(t *testing.T) {
	h := newHarness(t, Config{MaxMediaBytes: 3})
	a := h.connect("a", "alice", 0)
	b := h.connect("b", "bob", 0)

	h.send("a", model.TypeSubmitAudio, "", model.SubmitMedia{Blob: "AAAAAAAA"})
	if msg := errorText(t, expect(t, a, model.TypeError)); msg != "audio exceeds maximum size of 3 bytes" {
		t.Fatalf("unexpected error %q", msg)
	}
	expectNone(t, b)

	h.send("a", model.TypeSubmitAudio, "", model.SubmitMedia{Blob: "data:audio/webm;base64,AAAA"})
	got := message(t, expect(t, b, model.TypeAudioReceived))
	if got.Payload != "data:audio/webm;base64,AAAA" {
		t.Fatalf("media must be stored as sent:\n%s", spew.Sdump(got))
	}
}

func TestValidateMedia(t *testing.T) {
	tests := []struct {
		name  string
		kind  model.Kind
		blob  string
		valid bool
	}{
		{"raw base64", model.KindImage, "aGVsbG8=", true},
		{"data url", model.KindImage, "data:image/png;base64,aGVsbG8=", true},
		{"data url without mime", model.KindAudio, "data:;base64,aGVsbG8=", true},
		{"mime mismatch", model.KindAudio, "data:image/png;base64,aGVsbG8=", false},
		{"not base64 data url", model.KindImage, "data:image/svg+xml,<svg/>", false},
		{"invalid alphabet", model.KindImage, "aGVs*G8=", false},
		{"bad length", model.KindImage, "aGVsbG8", false},
		{"empty", model.KindImage, "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMedia(tt.kind, tt.blob, 1024)
			if (err == nil) != tt.valid {
				t.Fatalf("validateMedia(%q) = %v, want valid=%v", tt.blob, err, tt.valid)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestPersistenceFailureNotifiesOriginatorOnly(t *testing.T) {
	store := &failingStore{MemStore: memory.NewMemStore(), appendErr: errors.New("disk full")}
	h := newHarness(t, Config{Store: store})
	a := h.connect("a", "alice", 0)
	b := h.connect("b", "bob", 0)

	h.send("a", model.TypeSubmitText, "", model.SubmitText{Text: "lost"})
	if msg := errorText(t, expect(t, a, model.TypeError)); msg != "message could not be saved" {
		t.Fatalf("unexpected error %q", msg)
	}
	expectNone(t, b)
}

func TestRecoveryFailureKeepsSessionLive(t *testing.T) {
	store := &failingStore{MemStore: memory.NewMemStore(), findErr: errors.New("store down")}
	h := newHarness(t, Config{Store: store})
	a := h.connect("a", "alice", 0)
	b := h.connect("b", "bob", 0)
	expectNone(t, b)

	h.send("a", model.TypeSubmitText, "", model.SubmitText{Text: "still here"})
	for _, wire := range []model.Wire{a, b} {
		if got := message(t, expect(t, wire, model.TypeTextReceived)); got.Payload != "still here" {
			t.Fatalf("unexpected event:\n%s", spew.Sdump(got))
		}
	}
}

func TestHandlerPanicIsReported(t *testing.T) {
	store := &failingStore{MemStore: memory.NewMemStore(), panicMsg: "boom"}
	h := newHarness(t, Config{Store: store})
	h.connect("a", "alice", 0)

	h.send("a", model.TypeSubmitText, "", model.SubmitText{Text: "x"})
	select {
	case err := <-h.svc.Faults():
		if !errors.Is(err, ErrFault) || !strings.Contains(err.Error(), "boom") {
			t.Fatalf("unexpected fault %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("fault was not reported")
	}
}

func TestUnsupportedEvent(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "alice", 0)

	h.send("a", "chat message", "", "hi")
	if msg := errorText(t, expect(t, a, model.TypeError)); msg != `unsupported event "chat message"` {
		t.Fatalf("unexpected error %q", msg)
	}
	h.send("a", model.TypeWebRTCOffer, "", map[string]string{"sdp": "x"})
	expect(t, a, model.TypeError)
}
