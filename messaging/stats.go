package messaging

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// MessageHandlerStats is a snapshot of a handler's counters
type MessageHandlerStats struct {
	Name                          string
	TotalMessagesProcessed        int64
	TotalMessagesFailed           int64
	TotalRetries                  int64
	TotalNormalMessagesReceived   int64
	TotalPriorityMessagesReceived int64
	LastMessageProcessed          *time.Time
}

// Add folds other into s: counters are summed and the latest
// LastMessageProcessed wins
func (s *MessageHandlerStats) Add(other MessageHandlerStats) {
	s.TotalMessagesProcessed += other.TotalMessagesProcessed
	s.TotalMessagesFailed += other.TotalMessagesFailed
	s.TotalRetries += other.TotalRetries
	s.TotalNormalMessagesReceived += other.TotalNormalMessagesReceived
	s.TotalPriorityMessagesReceived += other.TotalPriorityMessagesReceived

	if other.LastMessageProcessed != nil &&
		(s.LastMessageProcessed == nil || other.LastMessageProcessed.After(*s.LastMessageProcessed)) {
		last := *other.LastMessageProcessed
		s.LastMessageProcessed = &last
	}
}

// TotalMessagesReceived is the sum of both lanes
func (s MessageHandlerStats) TotalMessagesReceived() int64 {
	return s.TotalNormalMessagesReceived + s.TotalPriorityMessagesReceived
}

func (s MessageHandlerStats) String() string {
	var b strings.Builder
	name := s.Name
	if name == "" {
		name = "All Handlers"
	}
	fmt.Fprintf(&b, "Stats for %s\n", name)
	fmt.Fprintf(&b, "  TotalNormalMessagesReceived:   %d\n", s.TotalNormalMessagesReceived)
	fmt.Fprintf(&b, "  TotalPriorityMessagesReceived: %d\n", s.TotalPriorityMessagesReceived)
	fmt.Fprintf(&b, "  TotalProcessed:                %d\n", s.TotalMessagesProcessed)
	fmt.Fprintf(&b, "  TotalRetries:                  %d\n", s.TotalRetries)
	fmt.Fprintf(&b, "  TotalFailed:                   %d\n", s.TotalMessagesFailed)
	if s.LastMessageProcessed != nil {
		fmt.Fprintf(&b, "  LastMessageProcessed:          %s\n", s.LastMessageProcessed.Format(time.RFC3339))
	} else {
		b.WriteString("  LastMessageProcessed:          never\n")
	}
	return b.String()
}

// CombineStats aggregates snapshots; an empty input yields a zero aggregate
func CombineStats(stats ...MessageHandlerStats) MessageHandlerStats {
	var total MessageHandlerStats
	for _, s := range stats {
		total.Add(s)
	}
	if len(stats) > 0 {
		total.Name = stats[0].Name
		for _, s := range stats[1:] {
			if s.Name != total.Name {
				total.Name = ""
				break
			}
		}
	}
	return total
}

// handlerCounters are the live counters of one handler. They have a single
// writer; atomics only make snapshot reads from other goroutines safe.
type handlerCounters struct {
	processed        atomic.Int64
	failed           atomic.Int64
	retries          atomic.Int64
	normalReceived   atomic.Int64
	priorityReceived atomic.Int64
	lastProcessed    atomic.Int64 // unix nanos, 0 when never
}

func (c *handlerCounters) received(priority bool) {
	if priority {
		c.priorityReceived.Add(1)
	} else {
		c.normalReceived.Add(1)
	}
}

func (c *handlerCounters) touch(now time.Time) {
	c.lastProcessed.Store(now.UnixNano())
}

func (c *handlerCounters) snapshot(name string) MessageHandlerStats {
	s := MessageHandlerStats{
		Name:                          name,
		TotalMessagesProcessed:        c.processed.Load(),
		TotalMessagesFailed:           c.failed.Load(),
		TotalRetries:                  c.retries.Load(),
		TotalNormalMessagesReceived:   c.normalReceived.Load(),
		TotalPriorityMessagesReceived: c.priorityReceived.Load(),
	}
	if ns := c.lastProcessed.Load(); ns != 0 {
		last := time.Unix(0, ns).UTC()
		s.LastMessageProcessed = &last
	}
	return s
}
