package provider

import "testing"

func TestReporterSequence(t *testing.T) {
	var seen []Progress
	r := NewReporter(func(p Progress) { seen = append(seen, p) }, 100, "downloading")

	r.Update(10)
	r.Update(5)
	r.Update(10)
	r.Update(250)
	r.Finish()
	r.Finish()
	r.Update(99)

	want := []Progress{
		{Completed: 0, Total: 100, Description: "downloading"},
		{Completed: 10, Total: 100, Description: "downloading"},
		{Completed: 99, Total: 100, Description: "downloading"},
		{Completed: 100, Total: 100, Finished: true, Description: "downloading"},
	}
	if len(seen) != len(want) {
		t.Fatalf("unexpected updates: %+v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("update %d: expected %+v, got %+v", i, want[i], seen[i])
		}
	}
}

func TestReporterUnknownTotal(t *testing.T) {
	var last Progress
	r := NewReporter(func(p Progress) { last = p }, 0, "")
	r.Update(42)
	r.Finish()
	if !last.Finished || last.Completed != 42 || last.Total != 42 {
		t.Fatalf("finish should settle the total, got %+v", last)
	}
}

func TestReporterNilCallback(t *testing.T) {
	r := NewReporter(nil, 10, "")
	r.Start()
	r.Update(3)
	r.Finish()
}

func TestCompletedAndFraction(t *testing.T) {
	var got Progress
	Completed(func(p Progress) { got = p }, 7, "already downloaded")
	if !got.Finished || got.Completed != 7 || got.Fraction() != 1 {
		t.Fatalf("unexpected terminal progress %+v", got)
	}
	Completed(nil, 7, "")

	if (Progress{Completed: 1, Total: 4}).Fraction() != 0.25 {
		t.Fatalf("unexpected fraction")
	}
	if (Progress{}).Fraction() != 0 {
		t.Fatalf("empty progress should be zero")
	}
}
