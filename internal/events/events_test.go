package events

import (
	"reflect"
	"testing"
)

func TestEmitterDispatchOrder(t *testing.T) {
	e := NewEmitter()
	var seen []string

	e.On(FetchEnd, func(event string, _ any) { seen = append(seen, "first:"+event) })
	e.On(FetchEnd, func(event string, _ any) { seen = append(seen, "second:"+event) })
	e.OnAny(func(event string, _ any) { seen = append(seen, "any:"+event) })

	e.Emit(FetchEnd, nil)
	e.Emit(ScanEnd, nil)

	want := []string{"first:fetch::end", "second:fetch::end", "any:fetch::end", "any:scan::end"}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("dispatch order = %v, want %v", seen, want)
	}
}

func TestElementEventName(t *testing.T) {
	if got := Element("DIV"); got != "element::div" {
		t.Fatalf("Element(DIV) = %q", got)
	}
	if got := Element("link"); got != "element::link" {
		t.Fatalf("Element(link) = %q", got)
	}
}

func TestRecorder(t *testing.T) {
	e := NewEmitter()
	r := NewRecorder()
	e.OnAny(r.Handle)

	e.Emit(ScanStart, Scan{Resource: "https://example.test/"})
	e.Emit(TraverseStart, Scan{Resource: "https://example.test/"})
	e.Emit(ScanEnd, Scan{Resource: "https://example.test/"})

	want := []string{ScanStart, TraverseStart, ScanEnd}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}

	r.Reset()
	if got := r.Events(); len(got) != 0 {
		t.Fatalf("Events() after Reset = %v", got)
	}
}
