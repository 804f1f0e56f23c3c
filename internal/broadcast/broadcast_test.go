package broadcast

import (
	"testing"
	"time"

	"github.com/livequery/matcherd/internal/model"
)

func TestPublishFanOut(t *testing.T) {
	b := New(4)
	r1 := b.Subscribe()
	r2 := b.Subscribe()
	defer b.Unsubscribe(r1)
	defer b.Unsubscribe(r2)

	b.Publish(model.RowUpsert(1, []model.Cell{"a"}))

	for _, r := range []*Receiver{r1, r2} {
		select {
		case v := <-r.C():
			if v.RowID != 1 {
				t.Fatalf("unexpected row id: %d", v.RowID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestPublishDropsSlowReceiver(t *testing.T) {
	b := New(1)
	r := b.Subscribe()

	b.Publish(model.RowUpsert(1, nil))
	b.Publish(model.RowUpsert(2, nil)) // buffer full: receiver should be dropped

	if _, ok := <-r.C(); !ok {
		t.Fatal("expected the first buffered value before the channel closes")
	}
	if _, ok := <-r.C(); ok {
		t.Fatal("expected receiver channel to be closed after falling behind")
	}
	if b.Len() != 0 {
		t.Fatalf("expected dropped receiver removed from broadcaster, len=%d", b.Len())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(1)
	r := b.Subscribe()
	b.Unsubscribe(r)
	if _, ok := <-r.C(); ok {
		t.Fatal("expected channel closed after Unsubscribe")
	}
}

func TestCloseShutsDownAllReceivers(t *testing.T) {
	b := New(1)
	r1 := b.Subscribe()
	r2 := b.Subscribe()
	b.Close()
	for _, r := range []*Receiver{r1, r2} {
		if _, ok := <-r.C(); ok {
			t.Fatal("expected receiver channel closed after Close")
		}
	}
	r3 := b.Subscribe()
	if _, ok := <-r3.C(); ok {
		t.Fatal("expected a post-Close subscriber to get an already-closed channel")
	}
}
