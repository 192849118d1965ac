package events

import "testing"

func TestInProc_PublishReachesSubscriber(t *testing.T) {
	b := NewInProc()
	defer b.Close()

	var got []byte
	if err := b.SubscribeUserEvents(1, "conn-a", func(data []byte) { got = data }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.PublishUserEvent(1, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestInProc_PublishSkipsOtherUsers(t *testing.T) {
	b := NewInProc()
	defer b.Close()

	called := false
	b.SubscribeUserEvents(1, "conn-a", func([]byte) { called = true })

	b.PublishUserEvent(2, []byte("x"))
	if called {
		t.Error("handler for user 1 received user 2's event")
	}
}

func TestInProc_TwoConnectionsSameUser(t *testing.T) {
	b := NewInProc()
	defer b.Close()

	var a, c int
	b.SubscribeUserEvents(1, "conn-a", func([]byte) { a++ })
	b.SubscribeUserEvents(1, "conn-b", func([]byte) { c++ })

	b.PublishUserEvent(1, []byte("x"))
	if a != 1 || c != 1 {
		t.Errorf("deliveries = (%d, %d), want (1, 1)", a, c)
	}
}

func TestInProc_Unsubscribe(t *testing.T) {
	b := NewInProc()
	defer b.Close()

	called := false
	b.SubscribeUserEvents(1, "conn-a", func([]byte) { called = true })

	if err := b.Unsubscribe("conn-a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := b.Unsubscribe("conn-a"); err == nil {
		t.Error("second unsubscribe succeeded, want error")
	}

	b.PublishUserEvent(1, []byte("x"))
	if called {
		t.Error("handler called after unsubscribe")
	}
}
