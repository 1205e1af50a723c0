package hal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/itohio/gostim/pkg/clock"
)

const (
	// DefaultBaudRate is the baud rate of the controller MCU.
	DefaultBaudRate = 115200
	// DefaultStaleAfter is how old the last sample may be before reads fail.
	DefaultStaleAfter = 250 * time.Millisecond
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns the serial ports present on the system.
func Ports() ([]Port, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(names))
	for _, name := range names {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Serial is the MCU connection over a serial port. A reader goroutine keeps
// the latest sample; reads return it as long as it is fresh.
type Serial struct {
	port       string
	baudRate   int
	staleAfter time.Duration
	clock      clock.Clock
	log        *zap.SugaredLogger

	open func() (io.ReadWriteCloser, error)

	mu        sync.RWMutex
	conn      io.ReadWriteCloser
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	latest    SensorSample
	received  time.Time
	lastFault string
}

// NewSerial creates a Serial device for port. Zero baudRate or staleAfter use the defaults.
func NewSerial(port string, baudRate int, staleAfter time.Duration, clk clock.Clock, log *zap.SugaredLogger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if staleAfter == 0 {
		staleAfter = DefaultStaleAfter
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &Serial{
		port:       port,
		baudRate:   baudRate,
		staleAfter: staleAfter,
		clock:      clk,
		log:        log,
	}
	s.open = func() (io.ReadWriteCloser, error) {
		port, err := serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
		if err != nil {
			return nil, err
		}
		return port, nil
	}
	return s
}

// Connect opens the port and starts reading samples.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := d.open()
	if err != nil {
		return hardwareFault("open serial port "+d.port, err)
	}

	d.conn = conn
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.connected = true
	d.received = time.Time{}

	go d.readSamples(d.ctx, conn)

	return nil
}

// Close stops the reader and closes the port.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.cancel()

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			d.log.Warnw("error closing serial port", "port", d.port, "error", err)
		}
		d.conn = nil
	}

	d.connected = false
	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// ReadPrimarySealPressure returns the seal pressure of the latest fresh sample.
func (d *Serial) ReadPrimarySealPressure() (float64, error) {
	s, err := d.fresh("read seal pressure")
	return s.SealPressure, err
}

// ReadSecondaryPressure returns the secondary pressure of the latest fresh sample.
func (d *Serial) ReadSecondaryPressure() (float64, error) {
	s, err := d.fresh("read secondary pressure")
	return s.SecondaryPressure, err
}

// ReadAuxSensors returns the auxiliary channels of the latest fresh sample.
func (d *Serial) ReadAuxSensors() (AuxReadings, error) {
	s, err := d.fresh("read aux sensors")
	return s.AuxReadings, err
}

// WriteActuatorIntensity sends the vacuum actuator intensity.
func (d *Serial) WriteActuatorIntensity(percent float64) error {
	return d.send("write intensity", formatIntensity(percent))
}

// WriteValveStates sends the valve states.
func (d *Serial) WriteValveStates(v Valves) error {
	return d.send("write valves", formatValves(v))
}

// WriteElectricalOutput sends the electrical output frequency and amplitude.
func (d *Serial) WriteElectricalOutput(frequencyHz, percent float64) error {
	return d.send("write electrical output", formatElectrical(frequencyHz, percent))
}

// EmergencyVent commands the MCU to open the vent immediately.
func (d *Serial) EmergencyVent() error {
	return d.send("emergency vent", ventCommand)
}

func (d *Serial) fresh(op string) (SensorSample, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return SensorSample{}, hardwareFault(op, errors.New("not connected"))
	}
	if d.lastFault != "" {
		return SensorSample{}, hardwareFault(op, errors.New(d.lastFault))
	}
	if d.received.IsZero() {
		return SensorSample{}, hardwareFault(op, errors.New("no sample received"))
	}
	if age := d.clock.Since(d.received); age > d.staleAfter {
		return SensorSample{}, hardwareFault(op, fmt.Errorf("sample stale by %s", age))
	}
	return d.latest, nil
}

func (d *Serial) send(op, line string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return hardwareFault(op, errors.New("not connected"))
	}

	if _, err := io.WriteString(d.conn, line); err != nil {
		return hardwareFault(op, err)
	}
	return nil
}

// readSamples reads lines from the port and keeps the latest sample.
func (d *Serial) readSamples(ctx context.Context, conn io.Reader) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("panic in serial reader", "panic", r)
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if msg, ok := strings.CutPrefix(line, faultPrefix+","); ok {
			d.log.Errorw("peripheral fault reported", "port", d.port, "message", msg)
			d.mu.Lock()
			d.lastFault = msg
			d.mu.Unlock()
			continue
		}

		sample, err := parseLine(line)
		if err != nil {
			d.log.Debugw("failed to parse line", "line", line, "error", err)
			continue
		}

		d.mu.Lock()
		d.latest = sample
		d.received = d.clock.Now()
		d.lastFault = ""
		d.mu.Unlock()
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		d.log.Warnw("error reading from serial port", "port", d.port, "error", err)
	}
}
