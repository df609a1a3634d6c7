package telemetry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	serialport "go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/rennteam/pitwall/internal/apperr"
)

// Data formats accepted from the modem link.
const (
	FormatCSV    = "csv"
	FormatBinary = "motec_binary"
	FormatAuto   = "auto"
)

// Modem states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateError        = "error"
)

var allowedBauds = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true, 19200: true,
	38400: true, 57600: true, 115200: true, 230400: true, 460800: true,
}

// SerialConfig describes the modem link. It is persisted as a JSON blob in
// the settings table.
type SerialConfig struct {
	Port              string   `json:"port"`
	BaudRate          int      `json:"baud_rate"`
	DataFormat        string   `json:"data_format"`
	CSVChannelOrder   []string `json:"csv_channel_order"`
	CSVSeparator      string   `json:"csv_separator"`
	Timeout           float64  `json:"timeout"`
	ReconnectInterval float64  `json:"reconnect_interval"`
}

// DefaultSerialConfig matches the stock 15-channel CSV feed.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:   9600,
		DataFormat: FormatCSV,
		CSVChannelOrder: []string{
			"speed", "rpm", "throttle", "brake_pressure",
			"coolant_temp", "oil_temp", "intake_temp", "exhaust_temp",
			"g_lateral", "g_longitudinal",
			"wheel_fl", "wheel_fr", "wheel_rl", "wheel_rr",
			"battery_voltage",
		},
		CSVSeparator:      ",",
		Timeout:           2.0,
		ReconnectInterval: 5.0,
	}
}

// Validate checks the config against the supported hardware envelope.
func (c SerialConfig) Validate() error {
	if !allowedBauds[c.BaudRate] {
		return apperr.Newf(apperr.Validation, "unsupported baud rate %d", c.BaudRate)
	}
	switch c.DataFormat {
	case FormatCSV, FormatBinary, FormatAuto:
	default:
		return apperr.Newf(apperr.Validation, "unknown data format %q", c.DataFormat)
	}
	if c.CSVSeparator == "" || len(c.CSVSeparator) > 4 {
		return apperr.New(apperr.Validation, "csv separator must be 1-4 characters")
	}
	if c.Timeout <= 0 || c.Timeout > 60 {
		return apperr.New(apperr.Validation, "timeout must be in (0, 60] seconds")
	}
	if c.ReconnectInterval <= 0 || c.ReconnectInterval > 300 {
		return apperr.New(apperr.Validation, "reconnect interval must be in (0, 300] seconds")
	}
	return nil
}

// ParseSerialConfig decodes a stored config blob, falling back to defaults
// for an empty blob.
func ParseSerialConfig(blob string) (SerialConfig, error) {
	cfg := DefaultSerialConfig()
	if blob == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return cfg, apperr.Wrap(apperr.Storage, err, "decode serial config")
	}
	return cfg, nil
}

// canChannel describes how one sensor is packed into a CAN payload: an i16
// little-endian raw value with a linear calibration.
type canChannel struct {
	sensorID string
	scale    float64
	offset   float64
}

// canMap lists the Motec M1 broadcast addresses the converter forwards.
var canMap = map[uint16][]canChannel{
	0x5F0: {{"rpm", 1.0, 0}, {"throttle", 0.1, 0}},
	0x5F1: {{"speed", 0.1, 0}, {"brake_pressure", 0.1, 0}},
	0x5F2: {{"coolant_temp", 0.1, -40}, {"oil_temp", 0.1, -40}},
	0x5F3: {{"intake_temp", 0.1, -40}, {"exhaust_temp", 1.0, 0}},
	0x5F4: {{"g_lateral", 0.001, 0}, {"g_longitudinal", 0.001, 0}},
	0x5F5: {{"wheel_fl", 0.1, 0}, {"wheel_fr", 0.1, 0}},
	0x5F6: {{"wheel_rl", 0.1, 0}, {"wheel_rr", 0.1, 0}},
	0x5F7: {{"battery_voltage", 0.01, 0}},
}

// parseCSVLine pairs values positionally with the configured channel order.
// Blank or malformed columns are skipped; extra columns are ignored.
func parseCSVLine(line string, order []string, separator string) map[string]float64 {
	parts := strings.Split(strings.TrimSpace(line), separator)
	channels := map[string]float64{}
	for i, part := range parts {
		if i >= len(order) {
			break
		}
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		channels[order[i]] = v
	}
	return channels
}

// crc16 is CRC-16/CCITT-FALSE over the given bytes.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// parseBinaryFrames scans buf for frames of the form
//
//	[0xAA] [id u16 LE] [len u8] [payload] [crc u16 LE]
//
// where the CRC covers id through payload. It returns the decoded channels,
// the unconsumed tail (a possible partial frame), and how many frames failed
// the CRC. A bad CRC advances one byte and rescans for sync.
func parseBinaryFrames(buf []byte) (channels map[string]float64, rest []byte, badCRC int) {
	channels = map[string]float64{}
	pos := 0
	for pos < len(buf) {
		if buf[pos] != 0xAA {
			pos++
			continue
		}
		if pos+4 > len(buf) {
			break // header incomplete
		}
		id := binary.LittleEndian.Uint16(buf[pos+1 : pos+3])
		payloadLen := int(buf[pos+3])
		frameEnd := pos + 4 + payloadLen + 2
		if frameEnd > len(buf) {
			break // wait for the rest
		}
		body := buf[pos+1 : pos+4+payloadLen]
		want := binary.LittleEndian.Uint16(buf[pos+4+payloadLen : frameEnd])
		if crc16(body) != want {
			badCRC++
			pos++
			continue
		}
		payload := buf[pos+4 : pos+4+payloadLen]
		for j, ch := range canMap[id] {
			off := j * 2
			if off+2 > len(payload) {
				break
			}
			raw := int16(binary.LittleEndian.Uint16(payload[off : off+2]))
			channels[ch.sensorID] = float64(raw)*ch.scale + ch.offset
		}
		pos = frameEnd
	}
	return channels, buf[pos:], badCRC
}

// sniffFormat inspects the first bytes off the wire and decides between CSV
// and binary: mostly printable text with a line terminator reads as CSV.
func sniffFormat(peek []byte) string {
	if len(peek) == 0 {
		return FormatCSV
	}
	printable := 0
	hasLine := false
	for _, b := range peek {
		if b == '\n' || b == '\r' {
			hasLine = true
		}
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7F) {
			printable++
		}
	}
	if hasLine && float64(printable) >= 0.8*float64(len(peek)) {
		return FormatCSV
	}
	return FormatBinary
}

// Port is the reader's view of an open serial device.
type Port interface {
	Read(p []byte) (int, error)
	Close() error
}

// PortOpener opens the device described by cfg. Production uses
// go.bug.st/serial; tests substitute an in-memory port.
type PortOpener func(cfg SerialConfig) (Port, error)

func openSystemPort(cfg SerialConfig) (Port, error) {
	mode := &serialport.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serialport.NoParity,
		StopBits: serialport.OneStopBit,
	}
	p, err := serialport.Open(cfg.Port, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(time.Duration(cfg.Timeout * float64(time.Second))); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Reader owns the serial port and runs the modem state machine. Counters are
// published through atomics so status reads never block the read loop.
type Reader struct {
	logger *zap.SugaredLogger
	open   PortOpener

	mu  sync.Mutex
	cfg SerialConfig

	state          atomic.Value // string
	framesReceived atomic.Uint64
	errors         atomic.Uint64
	lastFrameNano  atomic.Int64

	ctrl    chan SerialConfig
	onFrame func(map[string]float64)
}

// NewReader creates a serial reader. onFrame is invoked from the read loop
// with each decoded frame and must not block.
func NewReader(cfg SerialConfig, onFrame func(map[string]float64), logger *zap.SugaredLogger) *Reader {
	r := &Reader{
		logger:  logger,
		open:    openSystemPort,
		cfg:     cfg,
		ctrl:    make(chan SerialConfig, 1),
		onFrame: onFrame,
	}
	r.state.Store(StateDisconnected)
	return r
}

// State returns the current modem state.
func (r *Reader) State() string {
	return r.state.Load().(string)
}

// Config returns a copy of the active configuration.
func (r *Reader) Config() SerialConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Counters returns frames received, decode/IO errors, and the time of the
// last good frame (zero if none yet).
func (r *Reader) Counters() (frames, errors uint64, lastFrame time.Time) {
	frames = r.framesReceived.Load()
	errors = r.errors.Load()
	if n := r.lastFrameNano.Load(); n > 0 {
		lastFrame = time.Unix(0, n)
	}
	return frames, errors, lastFrame
}

// Restart applies a new configuration. The read loop drops the current port
// and reconnects with the new settings; only the latest pending restart is
// kept.
func (r *Reader) Restart(cfg SerialConfig) {
	select {
	case <-r.ctrl:
	default:
	}
	r.ctrl <- cfg
}

// Run drives the modem until ctx is cancelled. Without a configured port it
// idles in disconnected, waiting for a restart.
func (r *Reader) Run(ctx context.Context) error {
	for {
		cfg := r.Config()
		if cfg.Port == "" {
			r.state.Store(StateDisconnected)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case next := <-r.ctrl:
				r.setConfig(next)
			}
			continue
		}

		r.state.Store(StateConnecting)
		port, err := r.open(cfg)
		if err != nil {
			r.errors.Add(1)
			r.state.Store(StateError)
			r.logger.Errorw("open serial port", "port", cfg.Port, "error", err)
			if !r.sleepOrRestart(ctx, cfg.ReconnectInterval) {
				return ctx.Err()
			}
			continue
		}
		r.state.Store(StateConnected)
		r.logger.Infow("serial port opened", "port", cfg.Port, "baud", cfg.BaudRate)

		err = r.readFrames(ctx, port, cfg)
		_ = port.Close()
		if ctx.Err() != nil {
			r.state.Store(StateDisconnected)
			return ctx.Err()
		}
		if err == errRestart {
			continue
		}
		r.errors.Add(1)
		r.state.Store(StateError)
		r.logger.Errorw("serial read", "port", cfg.Port, "error", err)
		if !r.sleepOrRestart(ctx, cfg.ReconnectInterval) {
			return ctx.Err()
		}
	}
}

// errRestart signals a config change rather than a link fault.
var errRestart = apperr.New(apperr.Internal, "serial restart requested")

func (r *Reader) setConfig(cfg SerialConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// sleepOrRestart waits out the reconnect interval. Returns false on ctx
// cancellation; a restart during the wait applies immediately.
func (r *Reader) sleepOrRestart(ctx context.Context, seconds float64) bool {
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case next := <-r.ctrl:
		r.setConfig(next)
		return true
	case <-t.C:
		return true
	}
}

// readFrames pulls bytes off the port and decodes them until an error, a
// restart, or cancellation. Auto format is resolved from the first read.
func (r *Reader) readFrames(ctx context.Context, port Port, cfg SerialConfig) error {
	format := cfg.DataFormat
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 256)
	var pending string // partial CSV line
	idle := time.Duration(cfg.Timeout * float64(time.Second))
	lastData := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-r.ctrl:
			r.setConfig(next)
			return errRestart
		default:
		}

		n, err := port.Read(chunk)
		if err != nil {
			return err
		}
		if n == 0 {
			// Per-read timeouts come back as empty reads. A link that
			// stays silent past the configured timeout is a fault, not
			// a lull.
			if time.Since(lastData) > idle {
				return apperr.Newf(apperr.External, "no data received for %.1fs", cfg.Timeout)
			}
			continue
		}
		lastData = time.Now()
		data := chunk[:n]

		if format == FormatAuto {
			peek := data
			if len(peek) > 256 {
				peek = peek[:256]
			}
			format = sniffFormat(peek)
			r.logger.Infow("serial format detected", "format", format)
		}

		switch format {
		case FormatBinary:
			buf = append(buf, data...)
			channels, rest, bad := parseBinaryFrames(buf)
			if bad > 0 {
				r.errors.Add(uint64(bad))
			}
			buf = buf[:0]
			buf = append(buf, rest...)
			if len(buf) > 4096 {
				buf = buf[len(buf)-256:]
			}
			r.emit(channels)
		default:
			pending += string(data)
			for {
				idx := strings.IndexAny(pending, "\r\n")
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				if strings.TrimSpace(line) == "" {
					continue
				}
				r.emit(parseCSVLine(line, cfg.CSVChannelOrder, cfg.CSVSeparator))
			}
			if len(pending) > 4096 {
				pending = ""
			}
		}
	}
}

func (r *Reader) emit(channels map[string]float64) {
	if len(channels) == 0 {
		return
	}
	r.framesReceived.Add(1)
	r.lastFrameNano.Store(time.Now().UnixNano())
	if r.onFrame != nil {
		r.onFrame(channels)
	}
}
