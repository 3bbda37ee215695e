package ui

import (
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/franksops/docferry/transfer"
)

// Program receives model messages. *tea.Program satisfies it.
type Program interface {
	Send(msg tea.Msg)
}

// Sink turns job events into UIState snapshots and forwards them to a
// running program. It implements channel.Sender and ignores recipients.
type Sink struct {
	mu      sync.Mutex
	state   *UIState
	program Program
}

// NewSink creates a Sink. program may be nil to only accumulate state.
func NewSink(program Program) *Sink {
	return &Sink{state: &UIState{}, program: program}
}

// Send implements channel.Sender.
func (s *Sink) Send(recipientID, event string, payload any) {
	s.mu.Lock()
	s.apply(event, payload)
	snapshot := s.state.clone()
	s.mu.Unlock()

	if s.program != nil {
		s.program.Send(TUIUpdateMsg{State: snapshot})
	}
}

// State returns a snapshot of the accumulated state.
func (s *Sink) State() *UIState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Sink) apply(event string, payload any) {
	family, suffix, ok := strings.Cut(event, "-")
	if !ok {
		return
	}
	s.state.Family = family

	switch suffix {
	case transfer.EventStart:
		if p, ok := payload.(transfer.StartPayload); ok {
			switch {
			case p.TotalCollections != nil:
				s.state.TotalCollections = *p.TotalCollections
			case p.TotalFiles != nil:
				s.state.TotalCollections = *p.TotalFiles
			}
		}

	case transfer.EventCollectionStart:
		if p, ok := payload.(transfer.CollectionStartPayload); ok {
			s.state.Collections = append(s.state.Collections, &CollectionState{
				Name:      p.Collection,
				Index:     p.Index,
				TotalDocs: p.TotalDocs,
			})
		}

	case transfer.EventProgress:
		p, ok := payload.(transfer.ProgressPayload)
		if !ok {
			return
		}
		if c := s.current(p.Collection); c != nil {
			c.Count = p.Count
			c.Percent = p.Percent
			c.Speed = p.Speed
			c.ETASec = p.ETASec
		}

	case transfer.EventCollectionDone:
		p, ok := payload.(transfer.CollectionDonePayload)
		if !ok {
			return
		}
		if c := s.current(p.Collection); c != nil {
			c.Count = p.Count
			c.Finished = true
		}

	case transfer.EventDone:
		s.state.Done = true
		s.state.Message = fmt.Sprintf("%d collections, %d documents", s.state.FinishedCollections(), s.state.Docs())

	case transfer.EventError:
		s.state.Done = true
		s.state.Failed = true
		if p, ok := payload.(transfer.ErrorPayload); ok {
			s.state.Message = p.Message
		}
	}
}

// current returns the latest entry for a collection. Imports may
// visit one collection more than once.
func (s *Sink) current(name string) *CollectionState {
	for i := len(s.state.Collections) - 1; i >= 0; i-- {
		if c := s.state.Collections[i]; c.Name == name {
			return c
		}
	}
	return nil
}
