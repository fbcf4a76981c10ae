package sink_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/MrWong99/captionist/internal/sink"
)

func TestDisplay_RingKeepsNewest(t *testing.T) {
	t.Parallel()
	d := sink.NewDisplay(3)
	ctx := context.Background()
	for i := range 5 {
		if err := d.Write(ctx, final(fmt.Sprint(i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	got := d.Entries()
	want := []string{"2", "3", "4"}
	if len(got) != len(want) {
		t.Fatalf("Entries() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Text != want[i] {
			t.Errorf("Entries()[%d] = %q, want %q", i, got[i].Text, want[i])
		}
	}
}

func TestDisplay_PartialReplacedByFinal(t *testing.T) {
	t.Parallel()
	d := sink.NewDisplay(0)
	ctx := context.Background()

	_ = d.Write(ctx, sink.Entry{Text: "hel"})
	_ = d.Write(ctx, sink.Entry{Text: "hello wor"})
	if p, ok := d.Partial(); !ok || p.Text != "hello wor" {
		t.Fatalf("Partial() = %q, %v", p.Text, ok)
	}
	if len(d.Entries()) != 0 {
		t.Fatal("partials must not enter the ring")
	}

	_ = d.Write(ctx, final("hello world"))
	if _, ok := d.Partial(); ok {
		t.Error("final did not clear the partial")
	}
	if got := d.Entries(); len(got) != 1 || got[0].Text != "hello world" {
		t.Errorf("Entries() = %+v", got)
	}

	d.Clear()
	if len(d.Entries()) != 0 {
		t.Error("Clear left entries behind")
	}
}
