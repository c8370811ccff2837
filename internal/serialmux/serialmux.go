// Package serialmux multiplexes the line-oriented UART link to the drive
// microcontroller: every received line is fanned out to subscribers and
// commands from any goroutine are written one at a time.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
)

var logf = monitoring.Tagged("SerialMux")

// ErrWriteFailed is returned when the port accepts fewer bytes than sent.
var ErrWriteFailed = errors.New("failed to write to serial port")

// SubscriberBuffer is the per-subscriber channel capacity. Lines for a
// subscriber whose buffer is full are dropped.
const SubscriberBuffer = 64

// Mux is the sensor link as seen by the rest of the daemon.
type Mux interface {
	// Subscribe returns an id and a channel receiving every line read from
	// the port.
	Subscribe() (string, chan string)
	// Unsubscribe closes and removes the channel with the given id.
	Unsubscribe(string)
	// SendCommand writes one newline-terminated command line.
	SendCommand(string) error
	// Monitor reads lines until ctx is cancelled or the port fails.
	Monitor(context.Context) error
	// Close closes every subscriber channel and the port.
	Close() error
	// Initialise synchronises the device clock and starts streaming.
	Initialise() error
	// AttachAdminRoutes adds the /debug/ send-command and tail routes.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux implements Mux over any SerialPorter.
type SerialMux[T SerialPorter] struct {
	port T
	now  func() time.Time

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	closing      bool

	commandMu sync.Mutex
	dropped   uint64 // guarded by subscriberMu
}

// NewSerialMux returns a SerialMux reading from and writing to port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		now:         time.Now,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, SubscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialise sends the host time so the device stamps samples on the same
// clock as the estimator, then enables both sensor streams.
func (s *SerialMux[T]) Initialise() error {
	if err := s.SendCommand(fmt.Sprintf("T,%d", s.now().UnixNano())); err != nil {
		return fmt.Errorf("failed to synchronise clock: %w", err)
	}
	for _, command := range []string{
		"S,I,1", // stream gyro yaw rate
		"S,R,1", // stream ultrasound ranges
	} {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor scans lines from the port and fans them out. It returns nil when
// the port reaches EOF or the mux is closed.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so cancellation is seen
	// even while no bytes arrive.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			if !s.broadcast(strings.TrimSpace(line)) {
				return nil
			}
		}
	}
}

// broadcast reports false once the mux is closing.
func (s *SerialMux[T]) broadcast(line string) bool {
	if line == "" {
		return true
	}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		return false
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.dropped++
			if s.dropped == 1 || s.dropped%1000 == 0 {
				logf("subscriber full, %d lines dropped so far", s.dropped)
			}
		}
	}
	return true
}

// Subscribers returns the number of open subscriptions.
func (s *SerialMux[T]) Subscribers() int {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return len(s.subscribers)
}

// Dropped returns the number of lines dropped for slow subscribers.
func (s *SerialMux[T]) Dropped() uint64 {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return s.dropped
}

func (s *SerialMux[T]) Close() error {
	s.subscriberMu.Lock()
	if s.closing {
		s.subscriberMu.Unlock()
		return nil
	}
	s.closing = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}

// attachAdminRoutes registers the debug routes shared by every Mux.
func attachAdminRoutes(mux *http.ServeMux, m Mux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("send-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := m.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// Server-sent events carrying every line read from the port.
	debug.HandleFunc("tail", "live sensor link lines", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		_, _ = w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
