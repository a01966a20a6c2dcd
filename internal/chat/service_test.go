package chat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/auth"
	"github.com/Shasikumar10/Chat-App/internal/delivery"
	"github.com/Shasikumar10/Chat-App/internal/errs"
	"github.com/Shasikumar10/Chat-App/internal/notify"
	"github.com/Shasikumar10/Chat-App/internal/presence"
	"github.com/Shasikumar10/Chat-App/internal/store"
	"go.uber.org/zap"
)

type recordingPusher struct {
	mu     sync.Mutex
	events map[string][]delivery.Event
}

func (p *recordingPusher) Push(connID string, evt delivery.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[connID] = append(p.events[connID], evt)
	return true
}

func (p *recordingPusher) of(connID string) []delivery.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]delivery.Event(nil), p.events[connID]...)
}

func (p *recordingPusher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, evts := range p.events {
		n += len(evts)
	}
	return n
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string][]delivery.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, note delivery.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[userID] = append(n.calls[userID], note)
	return nil
}

type harness struct {
	db       *store.DB
	reg      *presence.Registry
	pusher   *recordingPusher
	notifier *recordingNotifier
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:       db,
		reg:      presence.NewRegistry(),
		pusher:   &recordingPusher{events: make(map[string][]delivery.Event)},
		notifier: &recordingNotifier{calls: make(map[string][]delivery.Notification)},
	}
	coord := delivery.NewCoordinator(h.reg, h.pusher, h.notifier, nil, nil, zap.NewNop())
	h.svc = NewService(db, coord, h.reg, nil, zap.NewNop())
	return h
}

func (h *harness) online(t *testing.T, connID, userID string, rooms ...string) {
	t.Helper()
	if _, err := h.reg.Bind(connID, userID); err != nil {
		t.Fatal(err)
	}
	for _, room := range rooms {
		if err := h.reg.Join(connID, room); err != nil {
			t.Fatal(err)
		}
	}
}

var (
	alice = auth.Identity{UserID: "alice", DisplayName: "Alice"}
	bob   = auth.Identity{UserID: "bob", DisplayName: "Bob"}
	carol = auth.Identity{UserID: "carol"}
	mod   = auth.Identity{UserID: "mod", Privileged: true}
)

func (h *harness) group(t *testing.T, members ...string) *store.Conversation {
	t.Helper()
	conv, _, err := h.svc.CreateConversation(context.Background(), alice, CreateConversationInput{
		Type: store.Group, Name: "team", Participants: members,
	})
	if err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestSendReachesBothParticipants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "bob")
	h.online(t, "a1", "alice", conv.ID)
	h.online(t, "b1", "bob", conv.ID)

	msg, err := h.svc.Send(ctx, alice, SendInput{ConversationID: conv.ID, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	for _, conn := range []string{"a1", "b1"} {
		evts := h.pusher.of(conn)
		if len(evts) != 1 || evts[0].Type != delivery.TypeMessageNew {
			t.Fatalf("%s got %v", conn, evts)
		}
		got := evts[0].Payload.(*store.Message)
		if got.ID != msg.ID || got.Content != "hi" {
			t.Errorf("%s payload = %+v", conn, got)
		}
	}
	after, err := h.db.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.LastMessageID != msg.ID {
		t.Errorf("last message = %q, want %q", after.LastMessageID, msg.ID)
	}
	if len(h.notifier.calls) != 0 {
		t.Errorf("unexpected pushes: %v", h.notifier.calls)
	}
}

func TestSendToOfflineParticipant(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "bob")
	h.online(t, "a1", "alice", conv.ID)

	if _, err := h.svc.Send(context.Background(), alice, SendInput{ConversationID: conv.ID, Content: "ping"}); err != nil {
		t.Fatal(err)
	}
	calls := h.notifier.calls["bob"]
	if len(calls) != 1 {
		t.Fatalf("bob notified %d times, want 1", len(calls))
	}
	if calls[0].Body != "ping" || calls[0].Title != "Alice" {
		t.Errorf("notification = %+v", calls[0])
	}
	if _, ok := h.notifier.calls["alice"]; ok {
		t.Error("sender should never be notified")
	}
}

func TestSendToUnknownConversation(t *testing.T) {
	h := newHarness(t)
	h.online(t, "a1", "alice", "ghost")

	_, err := h.svc.Send(context.Background(), alice, SendInput{ConversationID: "ghost", Content: "hi"})
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
	if h.pusher.total() != 0 {
		t.Error("a failed send must not broadcast")
	}
	counts, err := h.db.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Messages != 0 {
		t.Errorf("messages = %d, want 0", counts.Messages)
	}
}

func TestSendRequiresMembershipAndConversation(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "bob")

	if _, err := h.svc.Send(context.Background(), carol, SendInput{ConversationID: conv.ID, Content: "hi"}); !errs.Is(err, errs.Forbidden) {
		t.Errorf("outsider send err = %v, want forbidden", err)
	}
	if _, err := h.svc.Send(context.Background(), alice, SendInput{Content: "hi"}); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("missing conversation err = %v, want invalid_argument", err)
	}
}

func TestEditAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "bob")
	h.online(t, "b1", "bob", conv.ID)
	msg, _ := h.svc.Send(ctx, alice, SendInput{ConversationID: conv.ID, Content: "draft"})

	if _, err := h.svc.Edit(ctx, bob, msg.ID, "hijack"); !errs.Is(err, errs.Forbidden) {
		t.Errorf("edit by other err = %v", err)
	}
	edited, err := h.svc.Edit(ctx, alice, msg.ID, "final")
	if err != nil {
		t.Fatal(err)
	}
	if !edited.Edited || edited.Content != "final" {
		t.Errorf("edited = %+v", edited)
	}

	if _, err := h.svc.Delete(ctx, bob, msg.ID); !errs.Is(err, errs.Forbidden) {
		t.Errorf("delete by other err = %v", err)
	}
	del, err := h.svc.Delete(ctx, mod, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if del.Content != store.AdminTombstoneContent {
		t.Errorf("content = %q", del.Content)
	}
	if _, err := h.svc.Delete(ctx, alice, msg.ID); err != nil {
		t.Errorf("second delete err = %v", err)
	}

	var types []string
	for _, e := range h.pusher.of("b1") {
		types = append(types, e.Type)
	}
	want := []string{delivery.TypeMessageNew, delivery.TypeMessageEdited, delivery.TypeMessageDeleted}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
	if p := h.pusher.of("b1")[2].Payload.(delivery.DeletedPayload); !p.ByAdmin {
		t.Error("moderator delete should be byAdmin")
	}
}

func TestReadImpliesDeliveredEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "bob")
	h.online(t, "a1", "alice", conv.ID)
	msg, _ := h.svc.Send(ctx, alice, SendInput{ConversationID: conv.ID, Content: "x"})

	changed, err := h.svc.MarkRead(ctx, bob, msg.ID)
	if err != nil || !changed {
		t.Fatalf("MarkRead = %v, %v", changed, err)
	}
	changed, err = h.svc.MarkRead(ctx, bob, msg.ID)
	if err != nil || changed {
		t.Fatalf("repeat MarkRead = %v, %v", changed, err)
	}
	if changed, _ := h.svc.MarkDelivered(ctx, bob, msg.ID); changed {
		t.Error("delivered should already be recorded by the read")
	}

	evts := h.pusher.of("a1")
	if len(evts) != 3 {
		t.Fatalf("events = %d, want new+delivered+read", len(evts))
	}
	if evts[1].Type != delivery.TypeMessageDelivered || evts[2].Type != delivery.TypeMessageRead {
		t.Errorf("got %s, %s", evts[1].Type, evts[2].Type)
	}

	if _, err := h.svc.MarkRead(ctx, carol, msg.ID); !errs.Is(err, errs.Forbidden) {
		t.Errorf("outsider read err = %v", err)
	}
	if _, err := h.svc.MarkRead(ctx, bob, "missing"); !errs.Is(err, errs.NotFound) {
		t.Errorf("unknown message err = %v", err)
	}
}

func TestReactTwiceIssuesOneEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "bob")
	h.online(t, "a1", "alice", conv.ID)
	msg, _ := h.svc.Send(ctx, alice, SendInput{ConversationID: conv.ID, Content: "x"})

	for range 2 {
		got, err := h.svc.React(ctx, bob, msg.ID, "👍", true)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Reactions) != 1 {
			t.Errorf("reactions = %v", got.Reactions)
		}
	}
	if _, err := h.svc.React(ctx, bob, msg.ID, "👍", false); err != nil {
		t.Fatal(err)
	}

	evts := h.pusher.of("a1")
	if len(evts) != 3 {
		t.Fatalf("events = %d, want new+reaction+remove", len(evts))
	}
	if evts[1].Type != delivery.TypeMessageReaction || evts[2].Type != delivery.TypeMessageReactionRemove {
		t.Errorf("got %s, %s", evts[1].Type, evts[2].Type)
	}
}

func TestParticipantRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "bob")
	h.online(t, "b1", "bob", conv.ID)

	if _, err := h.svc.AddParticipant(ctx, bob, conv.ID, "carol"); !errs.Is(err, errs.Forbidden) {
		t.Errorf("non-admin add err = %v", err)
	}
	after, err := h.svc.AddParticipant(ctx, alice, conv.ID, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Participants) != 3 {
		t.Errorf("participants = %v", after.Participants)
	}
	if _, err := h.svc.RemoveParticipant(ctx, carol, conv.ID, "bob"); !errs.Is(err, errs.Forbidden) {
		t.Errorf("non-admin remove err = %v", err)
	}
	if _, err := h.svc.RemoveParticipant(ctx, alice, conv.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if h.reg.InRoom("b1", conv.ID) {
		t.Error("removed participant's connection should leave the room")
	}
	if _, err := h.svc.RemoveParticipant(ctx, carol, conv.ID, "carol"); err != nil {
		t.Errorf("self removal err = %v", err)
	}
	if _, err := h.svc.GetConversation(ctx, bob, conv.ID); !errs.Is(err, errs.Forbidden) {
		t.Errorf("former member get err = %v", err)
	}

	direct, _, err := h.svc.CreateConversation(ctx, alice, CreateConversationInput{Type: store.Direct, Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.AddParticipant(ctx, alice, direct.ID, "carol"); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("add to direct err = %v", err)
	}
}

// A direct pair is found again by CreateConversation, so neither side may be
// removed from it.
func TestDirectParticipantsCannotBeRemoved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	direct, _, err := h.svc.CreateConversation(ctx, alice, CreateConversationInput{Type: store.Direct, Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.svc.RemoveParticipant(ctx, bob, direct.ID, "bob"); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("self removal from direct err = %v", err)
	}
	if _, err := h.svc.RemoveParticipant(ctx, alice, direct.ID, "bob"); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("admin removal from direct err = %v", err)
	}
	if _, err := h.svc.RemoveParticipant(ctx, mod, direct.ID, "alice"); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("privileged removal from direct err = %v", err)
	}

	again, created, err := h.svc.CreateConversation(ctx, bob, CreateConversationInput{Type: store.Direct, Participants: []string{"alice"}})
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != direct.ID {
		t.Errorf("got %s created=%v, want existing %s", again.ID, created, direct.ID)
	}
	if len(again.Participants) != 2 {
		t.Errorf("participants = %v", again.Participants)
	}
	if _, err := h.svc.Send(ctx, bob, SendInput{ConversationID: direct.ID, Content: "still here"}); err != nil {
		t.Errorf("send after rejected removal err = %v", err)
	}
}

// cancellingPusher cancels the request context on the first push, the way a
// client hanging up mid-request does.
type cancellingPusher struct {
	cancel context.CancelFunc
}

func (p cancellingPusher) Push(string, delivery.Event) bool {
	p.cancel()
	return true
}

func TestSendQueuesPushAfterClientHangsUp(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := delivery.NewCoordinator(h.reg, cancellingPusher{cancel: cancel}, notify.NewOutbox(h.db), nil, nil, zap.NewNop())
	svc := NewService(h.db, coord, h.reg, nil, zap.NewNop())
	conv, _, err := svc.CreateConversation(context.Background(), alice, CreateConversationInput{Type: store.Direct, Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	h.online(t, "a1", "alice", conv.ID)

	if _, err := svc.Send(ctx, alice, SendInput{ConversationID: conv.ID, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if ctx.Err() == nil {
		t.Fatal("request context should have been cancelled by the room fan-out")
	}
	counts, err := h.db.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.PushQueued != 1 {
		t.Errorf("push queued = %d, want 1 for offline bob", counts.PushQueued)
	}
}

// A join racing a removal must never leave the removed user's connection in
// the room once both have returned.
func TestJoinRacingRemovalLeavesRoomClean(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.online(t, "b1", "bob")

	for i := 0; i < 20; i++ {
		conv := h.group(t, "bob")
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := h.svc.JoinRoom(ctx, "bob", "b1", conv.ID)
				if err != nil && !errs.Is(err, errs.Forbidden) {
					t.Errorf("join err = %v", err)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.RemoveParticipant(ctx, alice, conv.ID, "bob"); err != nil {
				t.Errorf("remove err = %v", err)
			}
		}()
		wg.Wait()

		if h.reg.InRoom("b1", conv.ID) {
			t.Fatalf("round %d: removed participant still joined to %s", i, conv.ID)
		}
	}
}

func TestJoinRoomRequiresMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "bob")
	h.online(t, "b1", "bob")
	h.online(t, "c1", "carol")

	if err := h.svc.JoinRoom(ctx, "bob", "b1", conv.ID); err != nil {
		t.Fatal(err)
	}
	if !h.reg.InRoom("b1", conv.ID) {
		t.Error("member should be joined")
	}
	if err := h.svc.JoinRoom(ctx, "carol", "c1", conv.ID); !errs.Is(err, errs.Forbidden) {
		t.Errorf("non-member join err = %v", err)
	}
	if h.reg.InRoom("c1", conv.ID) {
		t.Error("non-member should not be joined")
	}
}

func TestEditAfterRemovalIsForbidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "bob")
	h.online(t, "a1", "alice", conv.ID)

	msg, err := h.svc.Send(ctx, bob, SendInput{ConversationID: conv.ID, Content: "before"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.RemoveParticipant(ctx, alice, conv.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Edit(ctx, bob, msg.ID, "after"); !errs.Is(err, errs.Forbidden) {
		t.Errorf("edit by former member err = %v", err)
	}
	for _, e := range h.pusher.of("a1") {
		if e.Type == delivery.TypeMessageEdited {
			t.Errorf("unexpected %s event", e.Type)
		}
	}
	got, err := h.svc.History(ctx, alice, conv.ID, 10, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "before" {
		t.Errorf("history = %+v", got)
	}
}

func TestSearchIsScopedToCaller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mine := h.group(t, "bob")
	other, _, _ := h.svc.CreateConversation(ctx, carol, CreateConversationInput{Type: store.Group, Name: "x"})
	_, _ = h.svc.Send(ctx, alice, SendInput{ConversationID: mine.ID, Content: "Quarterly report"})
	_, _ = h.svc.Send(ctx, carol, SendInput{ConversationID: other.ID, Content: "secret report"})

	got, err := h.svc.Search(ctx, bob, "REPORT", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ConversationID != mine.ID {
		t.Errorf("results = %+v", got)
	}
	if _, err := h.svc.Search(ctx, bob, "report", other.ID, 10); !errs.Is(err, errs.Forbidden) {
		t.Errorf("search in foreign conversation err = %v", err)
	}
}

func TestPresenceLookup(t *testing.T) {
	h := newHarness(t)
	h.online(t, "b1", "bob")
	if info := h.svc.Presence("bob"); !info.Online || info.LastSeen != nil {
		t.Errorf("online info = %+v", info)
	}
	h.reg.Unbind("b1")
	if info := h.svc.Presence("bob"); info.Online || info.LastSeen == nil {
		t.Errorf("offline info = %+v", info)
	}
}
