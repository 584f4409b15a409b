package eventbus

import (
	"sync"
	"testing"

	"github.com/signalsfoundry/linerouter/model"
)

func TestTopic_PublishInRegistrationOrder(t *testing.T) {
	var topic Topic[int]
	var got []string
	topic.Subscribe(func(v int) { got = append(got, "first") })
	topic.Subscribe(func(v int) { got = append(got, "second") })

	topic.Publish(1)

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("observer order = %v, want [first second]", got)
	}
}

func TestTopic_UnsubscribeRemovesOnlyThatObserver(t *testing.T) {
	var topic Topic[int]
	var a, b int
	unsubA := topic.Subscribe(func(v int) { a += v })
	topic.Subscribe(func(v int) { b += v })

	unsubA()
	unsubA()
	topic.Publish(3)

	if a != 0 {
		t.Fatalf("unsubscribed observer received %d", a)
	}
	if b != 3 {
		t.Fatalf("remaining observer = %d, want 3", b)
	}
	if topic.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", topic.Len())
	}
}

func TestTopic_UnsubscribeFromCallback(t *testing.T) {
	var topic Topic[int]
	calls := 0
	var unsub func()
	unsub = topic.Subscribe(func(int) {
		calls++
		unsub()
	})

	topic.Publish(1)
	topic.Publish(1)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestItemBus_SerializesDispatch(t *testing.T) {
	bus := NewItemBus()

	var mu sync.Mutex
	inFlight, maxInFlight, handled := 0, 0, 0
	bus.Subscribe(func(model.PlatformItemEvent) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		handled++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			bus.Publish(model.PlatformItemEvent{ItemID: id, Type: model.ItemDetected})
		}(int64(i))
	}
	wg.Wait()

	if handled != 50 {
		t.Fatalf("handled = %d, want 50", handled)
	}
	if maxInFlight != 1 {
		t.Fatalf("max concurrent handlers = %d, want 1", maxInFlight)
	}
}
