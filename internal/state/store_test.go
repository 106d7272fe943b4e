package state

import "testing"

func TestStore_PublishNotifiesSubscribers(t *testing.T) {
	s := NewStore()
	var got []Session
	unsubscribe := s.Subscribe(func(sess Session) { got = append(got, sess) })

	s.Publish(Session{IsAuthenticated: true, UserID: "7", HasAccessToken: true})
	if len(got) != 1 || got[0].UserID != "7" {
		t.Fatalf("Expected one notification for user 7, got %+v", got)
	}
	if s.Session().UserID != "7" {
		t.Errorf("Expected stored session for user 7, got %+v", s.Session())
	}

	unsubscribe()
	s.Publish(Session{})
	if len(got) != 1 {
		t.Errorf("Expected no notification after unsubscribe, got %d", len(got))
	}
}

func TestStore_SubscriberMayPublish(t *testing.T) {
	s := NewStore()
	calls := 0
	s.Subscribe(func(sess Session) {
		calls++
		if sess.IsAuthenticated {
			// Re-entrant publish must not deadlock.
			s.Publish(Session{})
		}
	})
	s.Publish(Session{IsAuthenticated: true})
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestStore_NotifiesInSubscribeOrder(t *testing.T) {
	s := NewStore()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		s.Subscribe(func(Session) { order = append(order, i) })
	}
	s.Publish(Session{})
	for i, v := range order {
		if v != i {
			t.Fatalf("Expected subscribe order, got %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("Expected 5 notifications, got %d", len(order))
	}
}
