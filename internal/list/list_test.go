// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package list

import "testing"

func TestFIFOOrder(t *testing.T) {
	var l List[int]
	l.PushBack(1)
	l.PushBack(2)
	l.PushBack(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := l.PopFront()
		if !ok || got != want {
			t.Fatalf("PopFront() = (%d, %v), want (%d, true)", got, ok, want)
		}
	}
	if _, ok := l.PopFront(); ok {
		t.Fatalf("PopFront() on empty list returned ok=true")
	}
}

func TestPushFrontReinsertsAtHead(t *testing.T) {
	var l List[string]
	l.PushBack("b")
	l.PushBack("c")
	l.PushFront("a")

	for _, want := range []string{"a", "b", "c"} {
		got, ok := l.PopFront()
		if !ok || got != want {
			t.Fatalf("PopFront() = (%q, %v), want (%q, true)", got, ok, want)
		}
	}
}

func TestLenTracksPushesAndPops(t *testing.T) {
	var l List[int]
	if l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", l.Len())
	}
	l.PushBack(1)
	l.PushBack(2)
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	l.PopFront()
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
}

func TestDrainVisitsEveryElementInOrderAndEmpties(t *testing.T) {
	var l List[int]
	for i := 0; i < 5; i++ {
		l.PushBack(i)
	}
	var seen []int
	l.Drain(func(v int) { seen = append(seen, v) })

	if l.Len() != 0 {
		t.Fatalf("Len() = %d after Drain, want 0", l.Len())
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("seen[%d] = %d, want %d", i, v, i)
		}
	}
}
