package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/events"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error {
	return errors.New("broker down")
}

func TestPublishDeletes(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	broker := events.NewBroker()
	defer broker.Close()
	ch, cancel := broker.Subscribe()
	defer cancel()

	p := &poller{log: log, events: broker}
	if n := p.publishDeletes(context.Background(), events.TableThreads, []string{"live:504", "rsz:1"}, now); n != 2 {
		t.Fatalf("published = %d, want 2", n)
	}
	for _, want := range []string{"live:504", "rsz:1"} {
		select {
		case ev := <-ch:
			if ev.Op != events.OpDelete || ev.Table != events.TableThreads || ev.Key != want {
				t.Errorf("event = %+v, want delete of %s", ev, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no delete event for %s", want)
		}
	}

	p.events = failingPublisher{}
	if n := p.publishDeletes(context.Background(), events.TableAlerts, []string{"old-1"}, now); n != 0 {
		t.Errorf("published = %d through a failing publisher, want 0", n)
	}
}
