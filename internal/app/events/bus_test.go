package events

import "testing"

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()

	var first, second []Event
	bus.Subscribe(func(evt Event) { first = append(first, evt) })
	bus.Subscribe(func(evt Event) { second = append(second, evt) })

	bus.Publish(Event{Type: ApplicationSettled, ApplicationID: "app-1"})

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("fan-out failed: %d/%d", len(first), len(second))
	}
	if first[0].Type != ApplicationSettled || first[0].ApplicationID != "app-1" {
		t.Fatalf("unexpected event: %+v", first[0])
	}
	if first[0].At.IsZero() {
		t.Fatal("publish should stamp the event time")
	}
}

func TestNilBusDropsEvents(t *testing.T) {
	var bus *Bus
	// Must not panic.
	bus.Publish(Event{Type: ApplicationCreated})
}
