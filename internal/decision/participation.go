package decision

import (
	"hash/fnv"
	"sync"
	"time"
)

const trackerStripes = 16

// Tracker keeps a sliding window of message events per conversation and
// answers whether replying now would push the bot's share of the window
// above the threshold. The check is prospective: it counts the reply being
// considered as if already sent.
type Tracker struct {
	stripes [trackerStripes]trackerStripe
	now     func() time.Time
}

type trackerStripe struct {
	mu      sync.Mutex
	windows map[string][]trackerEvent
}

type trackerEvent struct {
	at   time.Time
	self bool
}

func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	for i := range t.stripes {
		t.stripes[i].windows = make(map[string][]trackerEvent)
	}
	return t
}

func (t *Tracker) stripe(conversationID string) *trackerStripe {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &t.stripes[h.Sum32()%trackerStripes]
}

// Record adds a message event to the conversation's window. fromSelf marks
// the bot's own replies.
func (t *Tracker) Record(conversationID string, fromSelf bool, window time.Duration) {
	s := t.stripe(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	events := prune(s.windows[conversationID], t.now().Add(-window))
	s.windows[conversationID] = append(events, trackerEvent{at: t.now(), self: fromSelf})
}

// Allowed reports whether the bot may reply in the conversation right now,
// along with the prospective ratio it computed. An empty window imposes no
// constraint.
func (t *Tracker) Allowed(conversationID string, isDirect bool, window time.Duration, groupThreshold, dmThreshold float64) (bool, float64) {
	s := t.stripe(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	events := prune(s.windows[conversationID], t.now().Add(-window))
	s.windows[conversationID] = events

	if len(events) == 0 {
		return true, 0
	}

	self := 0
	for _, ev := range events {
		if ev.self {
			self++
		}
	}
	ratio := float64(self+1) / float64(len(events)+1)

	threshold := groupThreshold
	if isDirect {
		threshold = dmThreshold
	}
	return ratio <= threshold, ratio
}

func prune(events []trackerEvent, cutoff time.Time) []trackerEvent {
	i := 0
	for i < len(events) && events[i].at.Before(cutoff) {
		i++
	}
	return events[i:]
}
