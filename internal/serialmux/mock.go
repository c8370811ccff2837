package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/kinematics"
)

// RangeSensor is one ultrasound sensor of a SimulatedRobot.
type RangeSensor struct {
	FrameID string
	Bearing float64 // radians from the robot's heading, left positive
}

// SimulatedRobot is a MockSerialPort's device: a differential drive in
// front of a wall at x = WallX that obeys velocity commands and reports its
// yaw rate and the distance to the wall. The ranging sensors report in turn,
// one per ranging slot.
type SimulatedRobot struct {
	Pose        geometry.Pose2D
	Twist       geometry.Twist
	WallX       float64 // metres
	MaxRange    float64 // ultrasound range limit, metres
	Sensors     []RangeSensor
	Period      time.Duration // sensor sample period
	RangeEveryN int           // one ranging sample per N gyro samples
}

// DefaultSensors are the board's right, middle and left sonars in the order
// it polls them.
func DefaultSensors() []RangeSensor {
	return []RangeSensor{
		{FrameID: "dist_sensor_right", Bearing: -0.3},
		{FrameID: "dist_sensor_middle"},
		{FrameID: "dist_sensor_left", Bearing: 0.3},
	}
}

// DefaultSimulatedRobot starts at the origin facing a wall 3 m ahead.
func DefaultSimulatedRobot() SimulatedRobot {
	return SimulatedRobot{
		Pose:        geometry.IdentityPose(),
		WallX:       3,
		MaxRange:    4,
		Sensors:     DefaultSensors(),
		Period:      10 * time.Millisecond,
		RangeEveryN: 5,
	}
}

func (r *SimulatedRobot) rangeToWall(bearing float64) float64 {
	c := math.Cos(r.Pose.Heading() + bearing)
	if c < 0.1 {
		return r.MaxRange
	}
	d := (r.WallX - r.Pose.Position.X) / c
	return math.Max(0, math.Min(d, r.MaxRange))
}

// MockSerialPort emulates the microcontroller over an in-memory pipe.
type MockSerialPort struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu      sync.Mutex
	robot   SimulatedRobot
	written bytes.Buffer
	stop    chan struct{}
	once    sync.Once
}

// NewMockSerialPort starts the simulation; it runs until Close.
func NewMockSerialPort(robot SimulatedRobot) *MockSerialPort {
	r, w := io.Pipe()
	p := &MockSerialPort{reader: r, writer: w, robot: robot, stop: make(chan struct{})}
	go p.run()
	return p
}

// NewMockSerialMux returns a SerialMux backed by a simulated robot.
func NewMockSerialMux(robot SimulatedRobot) *SerialMux[*MockSerialPort] {
	return NewSerialMux(NewMockSerialPort(robot))
}

func (p *MockSerialPort) run() {
	defer p.writer.Close()
	period := p.robot.Period
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			lines := p.step(now, period, n)
			n++
			if _, err := io.WriteString(p.writer, lines); err != nil {
				return
			}
		}
	}
}

// step advances the robot by one sample period and returns its lines.
func (p *MockSerialPort) step(now time.Time, period time.Duration, n int) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.robot.Pose = kinematics.Propagate(p.robot.Pose, p.robot.Twist, period.Seconds())
	out := fmt.Sprintf("I,%d,%.5f\n", now.UnixNano(), p.robot.Twist.Angular)
	if every, sensors := p.robot.RangeEveryN, p.robot.Sensors; every > 0 && len(sensors) > 0 && n%every == 0 {
		sensor := sensors[(n/every)%len(sensors)]
		out += fmt.Sprintf("R,%d,%.4f,%s\n", now.UnixNano(), p.robot.rangeToWall(sensor.Bearing), sensor.FrameID)
	}
	return out
}

func (p *MockSerialPort) Read(b []byte) (int, error) { return p.reader.Read(b) }

// Write records the bytes and applies any velocity commands they carry.
func (p *MockSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Write(b)
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) != 3 || fields[0] != "V" {
			continue
		}
		angular, errA := strconv.ParseFloat(fields[1], 64)
		linear, errL := strconv.ParseFloat(fields[2], 64)
		if errA != nil || errL != nil {
			continue
		}
		p.robot.Twist = geometry.Twist{Angular: angular, Linear: linear}
	}
	return len(b), nil
}

// Robot returns a snapshot of the simulated robot.
func (p *MockSerialPort) Robot() SimulatedRobot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.robot
}

// Written returns every byte written to the port.
func (p *MockSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *MockSerialPort) Close() error {
	p.once.Do(func() { close(p.stop) })
	return p.reader.Close()
}

// TestableSerialPort is an in-memory SerialPorter with scripted reads and
// injectable write failures.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte fewer than given.
	ShortWrite bool
	// BlockReads makes Read wait for data instead of returning io.EOF.
	BlockReads bool
	Closed     bool

	readCond *sync.Cond
}

func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.BlockReads && !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if err := t.WriteError; err != nil {
		t.WriteError = nil
		return 0, err
	}
	n, err := t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.WriteString(data)
	t.readCond.Broadcast()
}

// Written returns everything written to the port.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.WriteBuffer.String()
}
