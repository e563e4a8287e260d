// Package protocol reads measurement values from field meters over Modbus
// TCP. Failures are classified into timeout, device-error and unreachable
// sentinels so callers can decide between backoff and skip.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	mb "github.com/goburrow/modbus"
)

var (
	ErrTimeout     = errors.New("protocol: read timed out")
	ErrDevice      = errors.New("protocol: device error")
	ErrUnreachable = errors.New("protocol: device unreachable")
	ErrValue       = errors.New("protocol: invalid value")
)

// Each value spans two 16-bit registers (a big-endian float32 by default).
const wordsPerValue = 2

// maxSpan is the largest register span one read request may cover.
const maxSpan = 125

// Config describes one meter connection.
type Config struct {
	Host      string
	Port      int
	UnitID    uint8
	Timeout   time.Duration
	WordOrder string // ABCD | DCBA | BADC | CDAB
}

// Conn is a live connection to one meter.
type Conn interface {
	// ReadOne reads the value at a single adjusted address.
	ReadOne(ctx context.Context, addr int) (float64, error)
	// ReadBatch reads many addresses with as few requests as possible.
	// Transport failures are returned as an error; individual values that
	// fail numeric validation are omitted from the result, never zeroed.
	ReadBatch(ctx context.Context, addrs []int) (map[int]float64, error)
	// SetTimeout adjusts the per-request timeout for subsequent reads.
	SetTimeout(d time.Duration)
	Close() error
}

// Dialer opens a connection; injected so cycle tests can fake meters.
type Dialer func(cfg Config) (Conn, error)

type client struct {
	handler   *mb.TCPClientHandler
	mb        mb.Client
	wordOrder string
}

// Dial connects to a meter. A failed connect is reported as unreachable.
func Dial(cfg Config) (Conn, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	address := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	h := mb.NewTCPClientHandler(address)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrUnreachable, address, err)
	}
	return &client{handler: h, mb: mb.NewClient(h), wordOrder: cfg.WordOrder}, nil
}

func (c *client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.handler.Timeout = d
	}
}

func (c *client) Close() error { return c.handler.Close() }

func (c *client) ReadOne(ctx context.Context, addr int) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := checkAddr(addr); err != nil {
		return 0, err
	}
	data, err := c.mb.ReadHoldingRegisters(uint16(addr), wordsPerValue)
	if err != nil {
		return 0, classify(addr, err)
	}
	v, err := decodeFloat(data, c.wordOrder)
	if err != nil {
		return 0, fmt.Errorf("address %d: %w", addr, err)
	}
	return v, nil
}

func (c *client) ReadBatch(ctx context.Context, addrs []int) (map[int]float64, error) {
	out := make(map[int]float64, len(addrs))
	for _, run := range groupRuns(addrs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		span := run.end - run.start + wordsPerValue
		data, err := c.mb.ReadHoldingRegisters(uint16(run.start), uint16(span))
		if err != nil {
			return nil, classify(run.start, err)
		}
		for _, addr := range run.addrs {
			off := (addr - run.start) * 2
			if off+4 > len(data) {
				continue
			}
			v, err := decodeFloat(data[off:off+4], c.wordOrder)
			if err != nil {
				continue // caller notices the missing address and logs the skip
			}
			out[addr] = v
		}
	}
	return out, nil
}

type run struct {
	start, end int
	addrs      []int
}

// groupRuns packs sorted addresses into spans a single request can cover.
// Addresses outside the 16-bit register space cannot be requested on this
// transport and are dropped here; the caller treats them as skipped.
func groupRuns(addrs []int) []run {
	valid := make([]int, 0, len(addrs))
	for _, a := range addrs {
		if checkAddr(a) == nil {
			valid = append(valid, a)
		}
	}
	sort.Ints(valid)
	var runs []run
	for _, a := range valid {
		if n := len(runs); n > 0 && a+wordsPerValue-runs[n-1].start <= maxSpan {
			runs[n-1].end = a
			runs[n-1].addrs = append(runs[n-1].addrs, a)
			continue
		}
		runs = append(runs, run{start: a, end: a, addrs: []int{a}})
	}
	return runs
}

func checkAddr(addr int) error {
	if addr < 0 || addr+wordsPerValue-1 > 0xFFFF {
		return fmt.Errorf("%w: address %d outside register space", ErrValue, addr)
	}
	return nil
}

// classify maps transport errors onto the package sentinels.
func classify(addr int, err error) error {
	var mbErr *mb.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: address %d: %v", ErrDevice, addr, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: address %d", ErrTimeout, addr)
	}
	return fmt.Errorf("%w: address %d: %v", ErrUnreachable, addr, err)
}
