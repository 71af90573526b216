package metrics

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestCollectorAdd(t *testing.T) {
	c := NewCollector("poller", nil, logrus.New())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add(AlertsIngested, 2)
			c.Add(ThreadsCreated, 1)
		}()
	}
	wg.Wait()
	c.Add(ThreadsHidden, 0)

	if got := c.Get(AlertsIngested); got != 100 {
		t.Errorf("%s = %d, want 100", AlertsIngested, got)
	}
	snap := c.Snapshot()
	if snap.Counters[ThreadsCreated] != 50 {
		t.Errorf("snapshot %s = %d", ThreadsCreated, snap.Counters[ThreadsCreated])
	}
	if _, ok := snap.Counters[ThreadsHidden]; ok {
		t.Error("zero deltas should not create counters")
	}
	if snap.Service != "poller" {
		t.Errorf("Service = %q", snap.Service)
	}
}

func TestFlushWithoutRedisLogs(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	c := NewCollector("poller", nil, log)
	c.Add(SourceFailures, 3)
	c.Flush(context.Background())

	out := buf.String()
	if !strings.Contains(out, "source_failures=3") || !strings.Contains(out, "service=poller") {
		t.Errorf("unexpected log output %q", out)
	}
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = Noop{}
	r.Add(AlertsIngested, 1)
}
