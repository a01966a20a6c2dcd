package store

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/errs"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustGroup(t *testing.T, db *DB, creator string, members ...string) *Conversation {
	t.Helper()
	conv, _, err := db.CreateConversation(context.Background(), NewConversation{
		CreatorID: creator, Type: Group, Name: "team", ParticipantIDs: members,
	})
	if err != nil {
		t.Fatal(err)
	}
	return conv
}

func mustSend(t *testing.T, db *DB, convID, sender, content string) *Message {
	t.Helper()
	msg, err := db.AppendMessage(context.Background(), NewMessage{
		ConversationID: convID, SenderID: sender, Content: content,
	})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + push)", result.Version)
	}
}

// TestMigrateSeedsClock verifies messages written after a restart sort after
// the ones already on disk even if the wall clock has not advanced.
func TestMigrateSeedsClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	conv := mustGroup(t, db, "alice")
	if _, err := db.Exec(`INSERT INTO messages (id, conversation_id, sender_id, content, created_at, updated_at)
		VALUES ('future', ?, 'alice', 'x', 99999999999999, 99999999999999)`, conv.ID); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, err = Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	msg := mustSend(t, db, conv.ID, "alice", "after restart")
	if msg.CreatedAt.UnixMilli() <= 99999999999999 {
		t.Errorf("created_at = %d, want after the stored maximum", msg.CreatedAt.UnixMilli())
	}
}

func TestCreateGroupConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, created, err := db.CreateConversation(ctx, NewConversation{
		CreatorID: "alice", Type: Group, Name: " Project ", ParticipantIDs: []string{"bob", "bob", "", "carol"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if conv.Name != "Project" {
		t.Errorf("name = %q, want Project", conv.Name)
	}
	slices.Sort(conv.Participants)
	if !slices.Equal(conv.Participants, []string{"alice", "bob", "carol"}) {
		t.Errorf("participants = %v, want [alice bob carol]", conv.Participants)
	}
	if !slices.Equal(conv.Admins, []string{"alice"}) {
		t.Errorf("admins = %v, want [alice]", conv.Admins)
	}

	_, _, err = db.CreateConversation(ctx, NewConversation{CreatorID: "alice", Type: Group, ParticipantIDs: []string{"bob"}})
	if !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("group without name: err = %v, want InvalidArgument", err)
	}
	_, _, err = db.CreateConversation(ctx, NewConversation{CreatorID: "alice", Type: "channel"})
	if !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("unknown type: err = %v, want InvalidArgument", err)
	}
}

func TestCreateDirectConversationIsDeduplicated(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, created, err := db.CreateConversation(ctx, NewConversation{CreatorID: "alice", Type: Direct, Name: "ignored", ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if !created || first.Name != "" {
		t.Errorf("first direct: created=%v name=%q, want created and no name", created, first.Name)
	}

	second, created, err := db.CreateConversation(ctx, NewConversation{CreatorID: "bob", Type: Direct, ParticipantIDs: []string{"alice"}})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second direct for the same pair should not create a conversation")
	}
	if second.ID != first.ID {
		t.Errorf("second id = %s, want existing %s", second.ID, first.ID)
	}

	_, _, err = db.CreateConversation(ctx, NewConversation{CreatorID: "alice", Type: Direct, ParticipantIDs: []string{"bob", "carol"}})
	if !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("three-way direct: err = %v, want InvalidArgument", err)
	}
	_, _, err = db.CreateConversation(ctx, NewConversation{CreatorID: "alice", Type: Direct, ParticipantIDs: []string{"alice"}})
	if !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("direct with self: err = %v, want InvalidArgument", err)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetConversation(context.Background(), "missing"); !errs.Is(err, errs.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestParticipantsAddRemove(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice", "bob")

	changed, err := db.AddParticipant(ctx, conv.ID, "carol")
	if err != nil || !changed {
		t.Fatalf("AddParticipant(carol) = %v, %v; want true, nil", changed, err)
	}
	changed, err = db.AddParticipant(ctx, conv.ID, "carol")
	if err != nil || changed {
		t.Fatalf("second AddParticipant(carol) = %v, %v; want false, nil", changed, err)
	}

	// Removing the creator also drops admin rights.
	if _, err := db.RemoveParticipant(ctx, conv.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	member, admin, err := db.Membership(ctx, conv.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if member || admin {
		t.Errorf("alice member=%v admin=%v after removal, want false false", member, admin)
	}
	got, err := db.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Admins) != 0 {
		t.Errorf("admins = %v, want none", got.Admins)
	}

	for _, u := range []string{"bob", "carol"} {
		if _, err := db.RemoveParticipant(ctx, conv.ID, u); err != nil {
			t.Fatalf("RemoveParticipant(%s): %v", u, err)
		}
	}
	ids, err := db.ParticipantIDs(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("participants = %v, want empty conversation", ids)
	}

	if _, err := db.AddParticipant(ctx, "missing", "bob"); !errs.Is(err, errs.NotFound) {
		t.Errorf("AddParticipant(missing) err = %v, want NotFound", err)
	}
	if _, _, err := db.Membership(ctx, "missing", "bob"); !errs.Is(err, errs.NotFound) {
		t.Errorf("Membership(missing) err = %v, want NotFound", err)
	}
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	older := mustGroup(t, db, "alice", "bob")
	newer := mustGroup(t, db, "alice", "carol")
	mustGroup(t, db, "dave")

	mustSend(t, db, older.ID, "bob", "bump")

	convs, err := db.ListConversationsForUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != older.ID || convs[1].ID != newer.ID {
		t.Errorf("order = [%s %s], want the conversation with the latest message first", convs[0].ID, convs[1].ID)
	}
	if len(convs[0].Participants) != 2 {
		t.Errorf("participants = %v, want 2 members", convs[0].Participants)
	}
}

// TestAppendToUnknownConversation covers a send to a missing conversation:
// NotFound and nothing persisted.
func TestAppendToUnknownConversation(t *testing.T) {
	db := testDB(t)
	_, err := db.AppendMessage(context.Background(), NewMessage{ConversationID: "nope", SenderID: "alice", Content: "hi"})
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestAppendValidation(t *testing.T) {
	db := testDB(t)
	conv := mustGroup(t, db, "alice")
	ctx := context.Background()

	if _, err := db.AppendMessage(ctx, NewMessage{ConversationID: conv.ID, SenderID: "alice"}); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("empty message err = %v, want InvalidArgument", err)
	}
	_, err := db.AppendMessage(ctx, NewMessage{ConversationID: conv.ID, SenderID: "alice", Attachments: []Attachment{{Filename: "x.png"}}})
	if !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("attachment without url err = %v, want InvalidArgument", err)
	}
}

func TestAppendWithAttachmentsAndLastPointer(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice", "bob")

	msg, err := db.AppendMessage(ctx, NewMessage{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Attachments: []Attachment{
			{URL: "https://cdn/a.png", MediaType: "image/png", Filename: "a.png", SizeBytes: 10},
			{URL: "https://cdn/b.pdf", MediaType: "application/pdf"},
		},
		Encrypted: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Attachments) != 2 || got.Attachments[0].Filename != "a.png" || got.Attachments[1].URL != "https://cdn/b.pdf" {
		t.Errorf("attachments = %+v, want both in order", got.Attachments)
	}
	if !got.Encrypted || got.Content != "" {
		t.Errorf("encrypted=%v content=%q", got.Encrypted, got.Content)
	}

	c, err := db.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageID != msg.ID {
		t.Errorf("last message = %q, want %q", c.LastMessageID, msg.ID)
	}
}

func TestCreatedAtStrictlyIncreasing(t *testing.T) {
	db := testDB(t)
	conv := mustGroup(t, db, "alice")

	var prev int64
	for range 20 {
		m := mustSend(t, db, conv.ID, "alice", "x")
		if ts := m.CreatedAt.UnixMilli(); ts <= prev {
			t.Fatalf("created_at %d not after %d", ts, prev)
		} else {
			prev = ts
		}
	}
}

// TestListReturnsNewestWindowAscending covers a history page of limit 2 over
// five messages: the two newest, oldest first.
func TestListReturnsNewestWindowAscending(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice")

	for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
		mustSend(t, db, conv.ID, "alice", c)
	}

	page, err := db.ListMessages(ctx, conv.ID, 2, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Content != "m4" || page[1].Content != "m5" {
		t.Fatalf("page = %v, want [m4 m5]", contents(page))
	}

	// Paging backwards with the oldest item as the cursor.
	page, err = db.ListMessages(ctx, conv.ID, 2, page[0].CreatedAt)
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(page); !slices.Equal(got, []string{"m2", "m3"}) {
		t.Errorf("second page = %v, want [m2 m3]", got)
	}

	all, err := db.ListMessages(ctx, conv.ID, 0, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("default limit returned %d, want 5", len(all))
	}
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestEditMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice", "bob")
	msg := mustSend(t, db, conv.ID, "alice", "helo")

	if _, err := db.EditMessage(ctx, msg.ID, "bob", "hijack"); !errs.Is(err, errs.Forbidden) {
		t.Errorf("edit by non-sender err = %v, want Forbidden", err)
	}
	edited, err := db.EditMessage(ctx, msg.ID, "alice", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !edited.Edited || edited.Content != "hello" {
		t.Errorf("edited=%v content=%q", edited.Edited, edited.Content)
	}
	if _, err := db.EditMessage(ctx, "missing", "alice", "x"); !errs.Is(err, errs.NotFound) {
		t.Errorf("edit missing err = %v, want NotFound", err)
	}
	if _, _, err := db.SoftDeleteMessage(ctx, msg.ID, "alice", false); err != nil {
		t.Fatal(err)
	}
	if _, err := db.EditMessage(ctx, msg.ID, "alice", "resurrect"); !errs.Is(err, errs.NotFound) {
		t.Errorf("edit deleted err = %v, want NotFound", err)
	}
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice", "bob")
	msg, err := db.AppendMessage(ctx, NewMessage{
		ConversationID: conv.ID, SenderID: "alice", Content: "secret",
		Attachments: []Attachment{{URL: "https://cdn/x"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := db.SoftDeleteMessage(ctx, msg.ID, "bob", false); !errs.Is(err, errs.Forbidden) {
		t.Errorf("delete by non-sender err = %v, want Forbidden", err)
	}

	deleted, changed, err := db.SoftDeleteMessage(ctx, msg.ID, "alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if !changed || !deleted.Deleted || deleted.Content != TombstoneContent {
		t.Errorf("changed=%v deleted=%v content=%q", changed, deleted.Deleted, deleted.Content)
	}
	if len(deleted.Attachments) != 0 {
		t.Errorf("attachments survived delete: %v", deleted.Attachments)
	}

	again, changed, err := db.SoftDeleteMessage(ctx, msg.ID, "alice", false)
	if err != nil {
		t.Fatalf("second delete err = %v, want nil", err)
	}
	if changed {
		t.Error("second delete reported changed")
	}
	if again.Content != TombstoneContent || !again.Deleted {
		t.Errorf("state changed on second delete: %+v", again)
	}
}

func TestPrivilegedDeleteUsesAdminTombstone(t *testing.T) {
	db := testDB(t)
	conv := mustGroup(t, db, "alice", "bob")
	msg := mustSend(t, db, conv.ID, "alice", "spam")

	deleted, _, err := db.SoftDeleteMessage(context.Background(), msg.ID, "moderator", true)
	if err != nil {
		t.Fatal(err)
	}
	if deleted.Content != AdminTombstoneContent {
		t.Errorf("content = %q, want %q", deleted.Content, AdminTombstoneContent)
	}
}

func TestReceiptsAreMonotone(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice", "bob")
	msg := mustSend(t, db, conv.ID, "alice", "hi")

	res, err := db.RecordDelivered(ctx, msg.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.ConversationID != conv.ID {
		t.Errorf("first delivered = %+v, want changed in %s", res, conv.ID)
	}
	res, err = db.RecordDelivered(ctx, msg.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("repeat delivered reported changed")
	}

	res, err = db.RecordRead(ctx, msg.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.DeliveredChanged {
		t.Errorf("read after delivered = %+v, want Changed only", res)
	}

	// Read without a prior delivered receipt implies delivery.
	res, err = db.RecordRead(ctx, msg.ID, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || !res.DeliveredChanged {
		t.Errorf("first read by carol = %+v, want both changed", res)
	}

	got, err := db.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.DeliveredTo, []string{"bob", "carol"}) {
		t.Errorf("deliveredTo = %v, want [bob carol]", got.DeliveredTo)
	}
	if !slices.Equal(got.ReadBy, []string{"bob", "carol"}) {
		t.Errorf("readBy = %v, want [bob carol]", got.ReadBy)
	}
	for _, u := range got.ReadBy {
		if !slices.Contains(got.DeliveredTo, u) {
			t.Errorf("%s read but not delivered", u)
		}
	}

	if _, err := db.RecordRead(ctx, "missing", "bob"); !errs.Is(err, errs.NotFound) {
		t.Errorf("read missing err = %v, want NotFound", err)
	}
}

func TestReactionAddTwiceKeepsOne(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice", "bob")
	msg := mustSend(t, db, conv.ID, "alice", "hi")

	_, changed, err := db.SetReaction(ctx, msg.ID, "bob", "👍", true)
	if err != nil || !changed {
		t.Fatalf("first add = %v, %v", changed, err)
	}
	got, changed, err := db.SetReaction(ctx, msg.ID, "bob", "👍", true)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("second identical add reported changed")
	}
	if len(got.Reactions) != 1 {
		t.Fatalf("reactions = %v, want exactly one", got.Reactions)
	}

	got, changed, err = db.SetReaction(ctx, msg.ID, "bob", "👍", false)
	if err != nil || !changed {
		t.Fatalf("remove = %v, %v", changed, err)
	}
	if len(got.Reactions) != 0 {
		t.Errorf("reactions after remove = %v", got.Reactions)
	}
	if _, changed, _ := db.SetReaction(ctx, msg.ID, "bob", "👍", false); changed {
		t.Error("removing an absent reaction reported changed")
	}
	if _, _, err := db.SetReaction(ctx, msg.ID, "bob", " ", true); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("blank emoji err = %v, want InvalidArgument", err)
	}
}

// TestConcurrentReactionsBothPersist runs two users reacting with different
// emojis at the same time; neither update may be lost.
func TestConcurrentReactionsBothPersist(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice", "bob", "carol")
	msg := mustSend(t, db, conv.ID, "alice", "vote")

	type reaction struct{ user, emoji string }
	reactions := []reaction{{"bob", "👍"}, {"carol", "🎉"}, {"alice", "❤️"}, {"bob", "🔥"}}

	errCh := make(chan error, len(reactions))
	start := make(chan struct{})
	for _, r := range reactions {
		go func() {
			<-start
			_, _, err := db.SetReaction(ctx, msg.ID, r.user, r.emoji, true)
			errCh <- err
		}()
	}
	close(start)
	for range reactions {
		if err := <-errCh; err != nil {
			t.Fatalf("SetReaction: %v", err)
		}
	}

	got, err := db.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Reactions) != len(reactions) {
		t.Errorf("reactions = %v, want %d", got.Reactions, len(reactions))
	}
}

func TestConcurrentReadReceipts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice")
	msg := mustSend(t, db, conv.ID, "alice", "broadcast")

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	errCh := make(chan error, len(users))
	for _, u := range users {
		go func() {
			_, err := db.RecordRead(ctx, msg.ID, u)
			errCh <- err
		}()
	}
	for range users {
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ReadBy) != len(users) || len(got.DeliveredTo) != len(users) {
		t.Errorf("readBy=%v deliveredTo=%v, want %d each", got.ReadBy, got.DeliveredTo, len(users))
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	mine := mustGroup(t, db, "alice", "bob")
	other := mustGroup(t, db, "carol")

	mustSend(t, db, mine.ID, "bob", "Meet at the CAFÉ")
	mustSend(t, db, mine.ID, "alice", "no match here")
	gone := mustSend(t, db, mine.ID, "alice", "café gossip")
	mustSend(t, db, other.ID, "carol", "café elsewhere")
	if _, _, err := db.SoftDeleteMessage(ctx, gone.ID, "alice", false); err != nil {
		t.Fatal(err)
	}

	all, err := db.SearchMessages(ctx, SearchQuery{Text: "Café"})
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(all); !slices.Equal(got, []string{"café elsewhere", "Meet at the CAFÉ"}) {
		t.Errorf("unscoped = %v", got)
	}

	scoped, err := db.SearchMessages(ctx, SearchQuery{Text: "café", UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(scoped); !slices.Equal(got, []string{"Meet at the CAFÉ"}) {
		t.Errorf("scoped to alice = %v", got)
	}

	if _, err := db.SearchMessages(ctx, SearchQuery{Text: "  "}); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("blank query err = %v, want InvalidArgument", err)
	}
}

func TestCounts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := mustGroup(t, db, "alice")
	mustSend(t, db, conv.ID, "alice", "one")
	if _, err := db.QueuePush(ctx, "bob", "t", "b", nil); err != nil {
		t.Fatal(err)
	}

	c, err := db.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Conversations != 1 || c.Messages != 1 || c.PushQueued != 1 {
		t.Errorf("counts = %+v", c)
	}
}
