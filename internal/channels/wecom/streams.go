package wecom

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

const (
	streamTaskTTL  = time.Hour
	replyCacheTTL  = 300 * time.Second
	streamIDLength = 12
	streamAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// streamTask is the reply state WeCom pulls with stream polls.
type streamTask struct {
	content   string
	finished  bool
	updatedAt time.Time
}

type cachedReply struct {
	body []byte
	at   time.Time
}

// streamStore holds passive-stream tasks and the per-msgid reply cache.
// WeCom retries callbacks it considers slow, so a redelivered msgid gets
// the first reply again and a msgid still in flight gets nothing.
type streamStore struct {
	mu         sync.Mutex
	now        func() time.Time
	tasks      map[string]*streamTask
	replies    map[string]cachedReply
	processing map[string]struct{}
}

func newStreamStore(now func() time.Time) *streamStore {
	if now == nil {
		now = time.Now
	}
	return &streamStore{
		now:        now,
		tasks:      make(map[string]*streamTask),
		replies:    make(map[string]cachedReply),
		processing: make(map[string]struct{}),
	}
}

// begin claims msgID. It returns the cached reply for a redelivery, or
// ok=false when the same msgid is still being handled.
func (s *streamStore) begin(msgID string) (cached []byte, ok bool) {
	if msgID == "" {
		return nil, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	if r, hit := s.replies[msgID]; hit {
		return r.body, true
	}
	if _, busy := s.processing[msgID]; busy {
		return nil, false
	}
	s.processing[msgID] = struct{}{}
	return nil, true
}

// end releases msgID and caches its reply when there is one.
func (s *streamStore) end(msgID string, reply []byte) {
	if msgID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processing, msgID)
	if reply != nil {
		s.replies[msgID] = cachedReply{body: reply, at: s.now()}
	}
}

// open registers a fresh, unfinished task.
func (s *streamStore) open() string {
	id := newStreamID()
	s.mu.Lock()
	s.tasks[id] = &streamTask{updatedAt: s.now()}
	s.mu.Unlock()
	return id
}

// update replaces a task's content. It reports false for an unknown or
// already finished task.
func (s *streamStore) update(id, content string, finish bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.finished {
		return false
	}
	t.content = content
	t.finished = finish
	t.updatedAt = s.now()
	return true
}

// snapshot returns a copy of the task.
func (s *streamStore) snapshot(id string) (streamTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	t, ok := s.tasks[id]
	if !ok {
		return streamTask{}, false
	}
	return *t, true
}

func (s *streamStore) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.finished {
			n++
		}
	}
	return n
}

func (s *streamStore) gcLocked() {
	now := s.now()
	for id, r := range s.replies {
		if now.Sub(r.at) > replyCacheTTL {
			delete(s.replies, id)
		}
	}
	for id, t := range s.tasks {
		if now.Sub(t.updatedAt) > streamTaskTTL {
			delete(s.tasks, id)
		}
	}
}

func newStreamID() string {
	b := make([]byte, streamIDLength)
	size := big.NewInt(int64(len(streamAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			panic(err)
		}
		b[i] = streamAlphabet[n.Int64()]
	}
	return string(b)
}
