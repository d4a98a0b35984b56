package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/broker"
	"github.com/infiniteloophole/soractic-final/internal/models"
	"github.com/infiniteloophole/soractic-final/internal/wire"
)

type fakeAppender struct {
	appendErr error
	markErr   error
	appended  []models.Message
	marked    []string
}

func (f *fakeAppender) AppendMessage(_ context.Context, msg *models.Message) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, *msg)
	return nil
}

func (f *fakeAppender) MarkPublished(_ context.Context, id string, _ time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

type fakeSeq struct {
	counter    uint64
	nextErr    error
	tombstones []uint64
}

func (f *fakeSeq) Next(context.Context, uuid.UUID) (uint64, error) {
	if f.nextErr != nil {
		return 0, f.nextErr
	}
	f.counter++
	return f.counter, nil
}

func (f *fakeSeq) Current(context.Context, uuid.UUID) (uint64, error) {
	return f.counter, nil
}

func (f *fakeSeq) Tombstone(_ context.Context, _ uuid.UUID, seq uint64) error {
	f.tombstones = append(f.tombstones, seq)
	return nil
}

func (f *fakeSeq) Tombstoned(_ context.Context, _ uuid.UUID, seqs []uint64) (map[uint64]bool, error) {
	out := make(map[uint64]bool, len(seqs))
	for _, want := range seqs {
		for _, have := range f.tombstones {
			if want == have {
				out[want] = true
			}
		}
	}
	return out, nil
}

type fakePublisher struct {
	err       error
	published []publishedEvent
}

type publishedEvent struct {
	channel string
	ev      wire.Event
}

func (f *fakePublisher) Publish(_ context.Context, channel string, ev wire.Event) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedEvent{channel: channel, ev: ev})
	return nil
}

func newTestPipeline(app *fakeAppender, seq *fakeSeq, pub *fakePublisher) *Pipeline {
	return NewPipeline(app, seq, pub, zerolog.Nop())
}

func TestPostHappyPath(t *testing.T) {
	app := &fakeAppender{}
	seq := &fakeSeq{}
	pub := &fakePublisher{}
	roomID := uuid.New()

	msg, err := newTestPipeline(app, seq, pub).Post(context.Background(), roomID, "alice", models.MessageText, wire.ChatMessage{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", msg.Sequence)
	}
	if msg.PublishedAt == nil {
		t.Fatal("expected PublishedAt set")
	}
	if len(app.appended) != 1 || app.appended[0].Author != "alice" {
		t.Fatalf("unexpected appended messages: %+v", app.appended)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.published))
	}
	if pub.published[0].channel != broker.RoomEvents(roomID) {
		t.Fatalf("published on wrong channel: %s", pub.published[0].channel)
	}
	if pub.published[0].ev.Sequence != 1 {
		t.Fatalf("published event has sequence %d", pub.published[0].ev.Sequence)
	}
	if len(app.marked) != 1 || app.marked[0] != msg.ID {
		t.Fatalf("expected message marked published, got %v", app.marked)
	}
}

func TestPostSequenceMonotonic(t *testing.T) {
	app := &fakeAppender{}
	seq := &fakeSeq{}
	pub := &fakePublisher{}
	p := newTestPipeline(app, seq, pub)
	roomID := uuid.New()

	for want := uint64(1); want <= 5; want++ {
		msg, err := p.Post(context.Background(), roomID, "alice", models.MessageText, wire.ChatMessage{Body: "hi"})
		if err != nil {
			t.Fatal(err)
		}
		if msg.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, msg.Sequence)
		}
	}
}

func TestPostPersistFailureTombstonesAndPublishesNothing(t *testing.T) {
	app := &fakeAppender{appendErr: errors.New("disk full")}
	seq := &fakeSeq{}
	pub := &fakePublisher{}

	msg, err := newTestPipeline(app, seq, pub).Post(context.Background(), uuid.New(), "alice", models.MessageText, wire.ChatMessage{Body: "hi"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message, got %+v", msg)
	}
	if len(pub.published) != 0 {
		t.Fatal("failed write must publish nothing")
	}
	if len(seq.tombstones) != 1 || seq.tombstones[0] != 1 {
		t.Fatalf("expected tombstone for sequence 1, got %v", seq.tombstones)
	}
}

func TestPostSequencerFailure(t *testing.T) {
	app := &fakeAppender{}
	seq := &fakeSeq{nextErr: errors.New("redis down")}
	pub := &fakePublisher{}

	_, err := newTestPipeline(app, seq, pub).Post(context.Background(), uuid.New(), "alice", models.MessageText, wire.ChatMessage{Body: "hi"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if len(app.appended) != 0 {
		t.Fatal("nothing may persist without a reserved sequence")
	}
}

func TestPostBrokerFailureIsStillDurable(t *testing.T) {
	app := &fakeAppender{}
	seq := &fakeSeq{}
	pub := &fakePublisher{err: errors.New("pubsub down")}

	msg, err := newTestPipeline(app, seq, pub).Post(context.Background(), uuid.New(), "alice", models.MessageText, wire.ChatMessage{Body: "hi"})
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
	if msg == nil || msg.Sequence != 1 {
		t.Fatalf("write succeeded; the caller needs the message back, got %+v", msg)
	}
	if len(app.appended) != 1 {
		t.Fatal("message must persist before the publish attempt")
	}
	if len(app.marked) != 0 {
		t.Fatal("unpublished message must stay unmarked for the sweep")
	}
	if len(seq.tombstones) != 0 {
		t.Fatal("a durable message must not tombstone its sequence")
	}
}

func TestPostMarkPublishedFailureTolerated(t *testing.T) {
	app := &fakeAppender{markErr: errors.New("transient")}
	seq := &fakeSeq{}
	pub := &fakePublisher{}

	msg, err := newTestPipeline(app, seq, pub).Post(context.Background(), uuid.New(), "alice", models.MessageText, wire.ChatMessage{Body: "hi"})
	if err != nil {
		t.Fatalf("mark failure must not fail the post: %v", err)
	}
	if msg.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", msg.Sequence)
	}
}
