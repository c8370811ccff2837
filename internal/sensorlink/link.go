package sensorlink

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/kullken/Pet-Mk-IV/internal/measurement"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
	"github.com/kullken/Pet-Mk-IV/internal/node"
	"github.com/kullken/Pet-Mk-IV/internal/serialmux"
)

var logf = monitoring.Tagged("SensorLink")

// Sink accepts parsed measurements; node.Localisation implements it.
type Sink interface {
	Offer(measurement.Measurement)
}

// Stats counts received lines by outcome.
type Stats struct {
	Lines    uint64 `json:"lines"`
	Inertial uint64 `json:"inertial"`
	Ranging  uint64 `json:"ranging"`
	Device   uint64 `json:"device"`
	Unknown  uint64 `json:"unknown"`
	Bad      uint64 `json:"bad"`

	Commands       uint64 `json:"commands"`
	CommandErrors  uint64 `json:"command_errors"`
	LastCommand    string `json:"last_command,omitempty"`
	LastCommandErr string `json:"last_command_error,omitempty"`
}

// Link reads measurement lines from the mux into a Sink and writes the
// controller's commands back.
type Link struct {
	mux  serialmux.Mux
	sink Sink

	mu    sync.Mutex
	stats Stats
}

// New returns a link between mux and sink.
func New(mux serialmux.Mux, sink Sink) *Link {
	return &Link{mux: mux, sink: sink}
}

// Run subscribes to the mux and forwards measurements until ctx is
// cancelled or the mux closes the subscription.
func (l *Link) Run(ctx context.Context) error {
	id, lines := l.mux.Subscribe()
	defer l.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			l.HandleLine(line)
		}
	}
}

// HandleLine parses one line and offers the measurement it carries.
func (l *Link) HandleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "#") {
		l.count(func(s *Stats) { s.Lines++; s.Device++ })
		logf("device: %s", strings.TrimSpace(strings.TrimPrefix(line, "#")))
		return
	}

	m, err := ParseLine(line)
	if err != nil {
		l.count(func(s *Stats) {
			s.Lines++
			if errors.Is(err, ErrUnknownLine) {
				s.Unknown++
			} else {
				s.Bad++
			}
		})
		logf("dropping line: %v", err)
		return
	}

	l.count(func(s *Stats) {
		s.Lines++
		switch m.Kind() {
		case measurement.KindInertial:
			s.Inertial++
		case measurement.KindRanging:
			s.Ranging++
		}
	})
	l.sink.Offer(m)
}

// PublishPlan sends the plan's command to the device. It implements
// node.SetpointPublisher.
func (l *Link) PublishPlan(p node.Plan) {
	twist, ok := p.Command()
	if !ok {
		return
	}
	l.send(FormatVelocity(twist))
}

// Stop commands zero velocity.
func (l *Link) Stop() error {
	return l.send("V,0.0000,0.0000")
}

func (l *Link) send(command string) error {
	err := l.mux.SendCommand(command)
	l.count(func(s *Stats) {
		if err != nil {
			s.CommandErrors++
			s.LastCommandErr = err.Error()
			return
		}
		s.Commands++
		s.LastCommand = command
	})
	if err != nil {
		logf("command %q failed: %v", command, err)
	}
	return err
}

func (l *Link) count(f func(*Stats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f(&l.stats)
}

// Stats returns the link counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
