package queue

import (
	"encoding/json"
	"slices"

	"github.com/reelpair/reelpair/internal/job"
)

// SSEEvent represents a Server-Sent Events event.
type SSEEvent struct {
	Event string // "status", "progress", "result"
	Data  string // JSON string
}

func statusEvent(j *job.Job) SSEEvent {
	data, _ := json.Marshal(map[string]any{"status": j.Status, "message": j.Message})
	return SSEEvent{Event: "status", Data: string(data)}
}

func progressEvent(j *job.Job) SSEEvent {
	data, _ := json.Marshal(map[string]any{"progress": j.Progress, "message": j.Message})
	return SSEEvent{Event: "progress", Data: string(data)}
}

func resultEvent(j *job.Job) SSEEvent {
	data, _ := json.Marshal(j.Public())
	return SSEEvent{Event: "result", Data: string(data)}
}

// Subscribe creates a buffered SSE channel for a job and returns it. The
// channel is closed after the terminal event.
func (s *Service) Subscribe(jobID string) chan SSEEvent {
	ch := make(chan SSEEvent, 64)
	s.subsMu.Lock()
	s.subs[jobID] = append(s.subs[jobID], ch)
	s.subsMu.Unlock()
	return ch
}

// Unsubscribe removes an SSE channel from the map.
func (s *Service) Unsubscribe(jobID string, ch chan SSEEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	// notify ranges over snapshots without the lock, so never edit the
	// backing array in place.
	chans := slices.DeleteFunc(slices.Clone(s.subs[jobID]), func(c chan SSEEvent) bool {
		return c == ch
	})
	if len(chans) == 0 {
		delete(s.subs, jobID)
		return
	}
	s.subs[jobID] = chans
}

// notify sends an event to all subscribers of a job without blocking.
func (s *Service) notify(jobID string, event SSEEvent) {
	s.subsMu.RLock()
	chans := s.subs[jobID]
	s.subsMu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (s *Service) notifyAndClose(jobID string, event SSEEvent) {
	s.subsMu.Lock()
	chans := s.subs[jobID]
	delete(s.subs, jobID)
	s.subsMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
