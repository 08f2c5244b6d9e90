package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

func TestBus_DeliversOnlySubscribedKeys(t *testing.T) {
	b := NewBus()
	var got []storage.Change
	unsub := b.Subscribe([]string{"accessToken"}, func(c storage.Change) { got = append(got, c) })
	defer unsub()

	err := b.Publish(context.Background(),
		storage.Change{Key: "theme", Value: "dark", Origin: "o1"},
		storage.Change{Key: "accessToken", Removed: true, Origin: "o1"},
	)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(got) != 1 || got[0].Key != "accessToken" || !got[0].Removed {
		t.Errorf("got %+v, want one accessToken removal", got)
	}
}

func TestBus_EmptyKeysMatchesEverything(t *testing.T) {
	b := NewBus()
	n := 0
	b.Subscribe(nil, func(storage.Change) { n++ })
	_ = b.Publish(context.Background(), storage.Change{Key: "a"}, storage.Change{Key: "b"})
	if n != 2 {
		t.Errorf("deliveries = %d, want 2", n)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	n := 0
	unsub := b.Subscribe(nil, func(storage.Change) { n++ })
	unsub()
	unsub()
	_ = b.Publish(context.Background(), storage.Change{Key: "a"})
	if n != 0 {
		t.Errorf("deliveries after unsubscribe = %d, want 0", n)
	}
}

func TestBus_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	b := NewBus()
	var unsub func()
	n := 0
	unsub = b.Subscribe(nil, func(storage.Change) {
		n++
		unsub()
	})
	_ = b.Publish(context.Background(), storage.Change{Key: "a"})
	_ = b.Publish(context.Background(), storage.Change{Key: "a"})
	if n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := NewBus()
	_ = b.Close()
	if err := b.Publish(context.Background(), storage.Change{Key: "a"}); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
}
