package list

import "testing"

func verifyList(t *testing.T, l *List, data []interface{}) {
	t.Helper()
	got := make([]interface{}, 0)
	for cur := l.PeekHead(); cur != nil; cur = cur.GetNext() {
		got = append(got, cur.GetValue())
	}
	if len(got) != len(data) {
		t.Fatalf("list has %d elements, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], data[i])
		}
	}
}

func TestPushHeadAndTail(t *testing.T) {
	l := NewList()
	l.PushTail(1)
	l.PushTail(2)
	l.PushHead(0)
	verifyList(t, l, []interface{}{0, 1, 2})
}

func TestPopSelfMiddle(t *testing.T) {
	l := NewList()
	l.PushTail(1)
	mid := l.PushTail(2)
	l.PushTail(3)
	mid.PopSelf()
	verifyList(t, l, []interface{}{1, 3})
}

func TestPopSelfHeadAndTail(t *testing.T) {
	l := NewList()
	head := l.PushTail(1)
	l.PushTail(2)
	tail := l.PushTail(3)
	head.PopSelf()
	verifyList(t, l, []interface{}{2, 3})
	tail.PopSelf()
	verifyList(t, l, []interface{}{2})
}

func TestPopSelfOnlyLink(t *testing.T) {
	l := NewList()
	only := l.PushTail(1)
	only.PopSelf()
	if l.PeekHead() != nil || l.PeekTail() != nil {
		t.Errorf("expected empty list after popping its only link")
	}
}

func TestFind(t *testing.T) {
	l := NewList()
	l.PushTail(1)
	l.PushTail(2)
	l.PushTail(3)
	found := l.Find(func(link *Link) bool { return link.GetValue() == 2 })
	if found == nil || found.GetValue() != 2 {
		t.Errorf("Find(2) = %v, want link with value 2", found)
	}
	if l.Find(func(link *Link) bool { return link.GetValue() == 99 }) != nil {
		t.Errorf("Find(99) found a link that shouldn't exist")
	}
}
