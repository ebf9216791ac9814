package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/classmint/classmint/internal/logging"
)

func TestRedisNotifierPublishesJSON(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewRedisNotifier(client, "")
	if err := n.Send(ctx, Message{Kind: KindAwardIssued, Destination: "student-1", AwardID: "award-1", Body: "Math Excellence"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Message
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Kind != KindAwardIssued || got.Destination != "student-1" || got.AwardID != "award-1" {
			t.Fatalf("unexpected message: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Send(context.Context, Message) error {
	f.calls++
	return errors.New("down")
}

func TestFanoutDeliversToAll(t *testing.T) {
	first := &failingNotifier{}
	second := &failingNotifier{}
	err := Fanout{first, NewLoggerNotifier(logging.Discard()), second}.Send(context.Background(), Message{Kind: KindAwardIssued})
	if err == nil {
		t.Fatal("expected first error to surface")
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("every notifier should be called: %d %d", first.calls, second.calls)
	}
}
