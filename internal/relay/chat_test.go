package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/clinicflow/relay/internal/errs"
)

func join(t *testing.T, s *Session, clinica string) {
	t.Helper()
	s.Handle(EventJoinChat, []byte(`{"userId":"u-`+s.ID()+`","clinicaId":"`+clinica+`","tipo":"medico"}`))
}

func TestSendMessageIsTenantScoped(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, emA := connect(t, r, "a", nil)
	b, emB := connect(t, r, "b", nil)
	c, emC := connect(t, r, "c", nil)

	join(t, a, "clinic-1")
	join(t, b, "clinic-1")
	join(t, c, "clinic-2")

	msg := `{"id":7,"clinicaId":"clinic-1","conteudo":"paciente chegou"}`
	a.Handle(EventSendMessage, []byte(`{"mensagem":`+msg+`}`))

	for _, em := range []*fakeEmitter{emA, emB} {
		if em.count(EventNewMessage) != 1 {
			t.Fatalf("%s new-message count = %d, want 1", em.id, em.count(EventNewMessage))
		}
		got := em.all()[0].payload.(NewMessagePayload)
		if string(got.Mensagem) != msg {
			t.Errorf("%s mensagem = %s, want %s", em.id, got.Mensagem, msg)
		}
	}
	if n := len(emC.all()); n != 0 {
		t.Errorf("other clinic received %d events, want 0", n)
	}
}

func TestSendMessageBeforeJoin(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, emA := connect(t, r, "a", nil)
	b, emB := connect(t, r, "b", nil)
	join(t, b, "clinic-1")

	a.Handle(EventSendMessage, []byte(`{"mensagem":{"clinicaId":"clinic-1","conteudo":"oi"}}`))

	if got := emA.count(EventChatError); got != 1 {
		t.Errorf("chat-error count = %d, want 1", got)
	}
	if msg := emA.all()[0].payload.(ErrorPayload).Message; msg != "not authenticated in chat" {
		t.Errorf("chat-error message = %q", msg)
	}
	if emA.count(EventNewMessage) != 0 || emB.count(EventNewMessage) != 0 {
		t.Error("message broadcast before join")
	}
}

func TestSendMessageForOtherClinicRejected(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	_, _ = connect(t, r, "a", nil)
	other, emOther := connect(t, r, "b", nil)
	join(t, other, "clinic-2")

	_ = r.Chat.Join("a", ChatIdentity{UserID: "u", TenantID: "clinic-1"})
	err := r.Chat.SendMessage("a", json.RawMessage(`{"clinicaId":"clinic-2"}`))
	if !errors.Is(err, errs.ErrTenantMismatch) {
		t.Errorf("SendMessage() = %v, want ErrTenantMismatch", err)
	}
	if emOther.count(EventNewMessage) != 0 {
		t.Error("message leaked into another clinic")
	}
}

func TestSendMessageNumericClinicID(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, emA := connect(t, r, "a", nil)
	a.Handle(EventJoinChat, []byte(`{"userId":12,"clinicaId":3,"tipo":"recepcionista"}`))

	a.Handle(EventSendMessage, []byte(`{"mensagem":{"clinicaId":3,"conteudo":"ok"}}`))

	if emA.count(EventNewMessage) != 1 {
		t.Errorf("new-message count = %d, want 1", emA.count(EventNewMessage))
	}
	ident, _ := r.Registry.Identity("a")
	if ident.TenantID != "3" || ident.UserID != "12" {
		t.Errorf("identity = %+v, want tenant 3 user 12", ident)
	}
}

func TestMarkReadExcludesSender(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, emA := connect(t, r, "a", nil)
	b, emB := connect(t, r, "b", nil)
	c, emC := connect(t, r, "c", nil)
	join(t, a, "clinic-1")
	join(t, b, "clinic-1")
	join(t, c, "clinic-1")

	a.Handle(EventMessageRead, []byte(`{"mensagemId":42,"clinicaId":"clinic-1"}`))

	if emA.count(EventMessageReadUpdate) != 0 {
		t.Error("sender received its own read receipt")
	}
	for _, em := range []*fakeEmitter{emB, emC} {
		if em.count(EventMessageReadUpdate) != 1 {
			t.Errorf("%s message-read-update count = %d, want 1", em.id, em.count(EventMessageReadUpdate))
			continue
		}
		got := em.all()[0].payload.(ReadUpdatePayload)
		if string(got.MensagemID) != "42" {
			t.Errorf("%s mensagemId = %s, want 42", em.id, got.MensagemID)
		}
	}
}

func TestMarkReadBeforeJoinIsNoop(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, emA := connect(t, r, "a", nil)
	b, emB := connect(t, r, "b", nil)
	join(t, b, "clinic-1")

	a.Handle(EventMessageRead, []byte(`{"mensagemId":1,"clinicaId":"clinic-1"}`))

	if len(emA.all()) != 0 || len(emB.all()) != 0 {
		t.Errorf("unexpected events: a=%v b=%v", emA.all(), emB.all())
	}
}

func TestRejoinMovesRoom(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, _ := connect(t, r, "a", nil)

	join(t, a, "clinic-1")
	join(t, a, "clinic-2")

	if got := r.Chat.RoomSize("clinic-1"); got != 0 {
		t.Errorf("clinic-1 size = %d, want 0", got)
	}
	if got := r.Chat.RoomSize("clinic-2"); got != 1 {
		t.Errorf("clinic-2 size = %d, want 1", got)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, _ := connect(t, r, "a", nil)
	b, emB := connect(t, r, "b", nil)
	join(t, a, "clinic-1")
	join(t, b, "clinic-1")

	a.Close()

	if got := r.Chat.RoomSize("clinic-1"); got != 1 {
		t.Errorf("room size = %d, want 1", got)
	}
	b.Handle(EventSendMessage, []byte(`{"mensagem":{"clinicaId":"clinic-1"}}`))
	if emB.count(EventNewMessage) != 1 {
		t.Errorf("remaining member new-message count = %d, want 1", emB.count(EventNewMessage))
	}
}

func TestJoinEnforcesAuthenticatedTenant(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	auth := &Principal{UserID: "user-9", TenantID: "clinic-1", Role: "medico"}
	a, emA := connect(t, r, "a", auth)

	a.Handle(EventJoinChat, []byte(`{"userId":"spoofed","clinicaId":"clinic-2","tipo":"admin"}`))
	if emA.count(EventChatError) != 1 {
		t.Fatalf("chat-error count = %d, want 1", emA.count(EventChatError))
	}
	if _, ok := r.Registry.Identity("a"); ok {
		t.Error("identity recorded for a foreign clinic")
	}

	a.Handle(EventJoinChat, []byte(`{"userId":"spoofed","clinicaId":"clinic-1","tipo":"admin"}`))
	ident, ok := r.Registry.Identity("a")
	if !ok || ident.UserID != "user-9" || ident.Role != "medico" {
		t.Errorf("identity = %+v, want authenticated user-9 medico", ident)
	}
}

func TestUnknownAndMalformedEventsIgnored(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, emA := connect(t, r, "a", nil)

	a.Handle("explode", []byte(`{}`))
	a.Handle(EventJoinChat, []byte(`not json`))
	a.Handle(EventAudioChunk, []byte(`[1,2]`))

	if len(emA.all()) != 0 {
		t.Errorf("events = %v, want none", emA.all())
	}
}

func TestConnectWhileDraining(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	r.Registry.StartDraining()

	_, err := r.Connect(context.Background(), newFakeEmitter("a"), nil)
	if !errors.Is(err, errs.ErrDraining) {
		t.Errorf("Connect() while draining = %v, want ErrDraining", err)
	}
}

func TestJoinWithoutClinicRejected(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, emA := connect(t, r, "a", nil)
	b, emB := connect(t, r, "b", nil)

	a.Handle(EventJoinChat, []byte(`{"userId":"u-a","tipo":"medico"}`))
	b.Handle(EventJoinChat, []byte(`{"userId":"u-b","clinicaId":null}`))

	for _, em := range []*fakeEmitter{emA, emB} {
		if em.count(EventChatError) != 1 {
			t.Fatalf("%s chat-error count = %d, want 1", em.id, em.count(EventChatError))
		}
		if msg := em.all()[0].payload.(ErrorPayload).Message; msg != "clinicaId is required" {
			t.Errorf("%s chat-error message = %q", em.id, msg)
		}
	}
	if _, ok := r.Registry.Identity("a"); ok {
		t.Error("identity recorded without a clinic")
	}
	if n := r.Chat.RoomSize(""); n != 0 {
		t.Errorf("anonymous room size = %d, want 0", n)
	}

	a.Handle(EventSendMessage, []byte(`{"mensagem":{"conteudo":"oi"}}`))
	if emA.count(EventNewMessage) != 0 || emB.count(EventNewMessage) != 0 {
		t.Error("message relayed without a clinic")
	}
}

func TestSendMessageNotAnObject(t *testing.T) {
	r := newTestRelay(&fakeProvider{})
	a, emA := connect(t, r, "a", nil)
	join(t, a, "clinic-1")

	a.Handle(EventSendMessage, []byte(`{"mensagem":"just text"}`))

	if emA.count(EventChatError) != 1 {
		t.Fatalf("chat-error count = %d, want 1", emA.count(EventChatError))
	}
	if msg := emA.all()[0].payload.(ErrorPayload).Message; msg != "invalid chat message" {
		t.Errorf("chat-error message = %q, want fixed text", msg)
	}
	if emA.count(EventNewMessage) != 0 {
		t.Error("invalid message relayed")
	}
}
