package port

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrModem is returned when the modem answers a command with ERROR.
var ErrModem = errors.New("modem returned ERROR")

// ATModem drives an Iridium 9602/9603 modem with the AT command set.
type ATModem struct {
	open Opener
	conn io.ReadWriteCloser

	in      chan []byte
	done    chan struct{}
	readErr error
	pending []byte
	wg      sync.WaitGroup
}

// NewATModem constructs an ATModem on the stream returned by open.
func NewATModem(open Opener) *ATModem {
	return &ATModem{open: open}
}

// Init opens the stream, turns echo and flow control off and clears the MO buffer.
func (m *ATModem) Init(ctx context.Context) error {
	if m.conn == nil {
		conn, err := m.open()
		if err != nil {
			return err
		}
		m.conn = conn
		m.in = make(chan []byte, 16)
		m.done = make(chan struct{})
		m.wg.Add(1)
		go m.readLoop()
	}
	for _, cmd := range []string{"AT", "ATE0", "AT&K0", "AT+SBDD0"} {
		if err := m.command(ctx, cmd); err != nil {
			return errors.Wrap(err, cmd)
		}
	}
	return nil
}

// Session implements SBDModem.
func (m *ATModem) Session(ctx context.Context, mo []byte) (SessionResult, error) {
	if m.conn == nil {
		return SessionResult{}, ErrNotConnected
	}
	// a mailbox check must not resend an MO message left over from a
	// failed session
	if len(mo) > 0 {
		if err := m.writeBinary(ctx, mo); err != nil {
			return SessionResult{}, err
		}
	} else if err := m.command(ctx, "AT+SBDD0"); err != nil {
		return SessionResult{}, errors.Wrap(err, "clear MO buffer")
	}

	if err := m.writeLine("AT+SBDIX"); err != nil {
		return SessionResult{}, err
	}
	line, err := m.expectPrefix(ctx, "+SBDIX:")
	if err != nil {
		return SessionResult{}, err
	}
	res, err := parseSBDIX(line)
	if err != nil {
		return res, err
	}
	if err := m.expectOK(ctx); err != nil {
		return res, err
	}

	if res.MTStatus == 1 {
		if err := m.writeLine("AT+SBDRB"); err != nil {
			return res, err
		}
		if res.MT, err = m.readSBDRB(ctx); err != nil {
			return res, err
		}
		if err := m.expectOK(ctx); err != nil {
			return res, err
		}
	}
	if len(mo) > 0 {
		if err := m.command(ctx, "AT+SBDD0"); err != nil {
			return res, errors.Wrap(err, "clear MO buffer")
		}
	}
	return res, nil
}

// Close implements SBDModem.
func (m *ATModem) Close() error {
	if m.conn == nil {
		return nil
	}
	close(m.done)
	err := m.conn.Close()
	m.wg.Wait()
	m.conn = nil
	return err
}

func (m *ATModem) writeBinary(ctx context.Context, mo []byte) error {
	if err := m.writeLine(fmt.Sprintf("AT+SBDWB=%d", len(mo))); err != nil {
		return err
	}
	if _, err := m.expectPrefix(ctx, "READY"); err != nil {
		return err
	}
	out := make([]byte, len(mo)+2)
	copy(out, mo)
	binary.BigEndian.PutUint16(out[len(mo):], sbdChecksum(mo))
	if _, err := m.conn.Write(out); err != nil {
		return errors.Wrap(err, "write MO")
	}
	line, err := m.readLine(ctx)
	if err != nil {
		return err
	}
	if line != "0" {
		return errors.Errorf("SBDWB rejected the message with code %s", line)
	}
	return m.expectOK(ctx)
}

func (m *ATModem) command(ctx context.Context, cmd string) error {
	if err := m.writeLine(cmd); err != nil {
		return err
	}
	return m.expectOK(ctx)
}

func (m *ATModem) writeLine(cmd string) error {
	if _, err := io.WriteString(m.conn, cmd+"\r"); err != nil {
		return errors.Wrapf(err, "write %s", cmd)
	}
	return nil
}

// expectOK skips informational lines up to OK.
func (m *ATModem) expectOK(ctx context.Context) error {
	for {
		line, err := m.readLine(ctx)
		if err != nil {
			return err
		}
		switch line {
		case "OK":
			return nil
		case "ERROR":
			return ErrModem
		}
	}
}

func (m *ATModem) expectPrefix(ctx context.Context, prefix string) (string, error) {
	for {
		line, err := m.readLine(ctx)
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, prefix) {
			return line, nil
		}
		if line == "ERROR" {
			return "", ErrModem
		}
	}
}

// readLine returns the next non-empty line, skipping command echo.
func (m *ATModem) readLine(ctx context.Context) (string, error) {
	for {
		if i := bytes.IndexAny(m.pending, "\r\n"); i >= 0 {
			line := strings.TrimSpace(string(m.pending[:i]))
			m.pending = m.pending[i+1:]
			if line == "" || strings.HasPrefix(line, "AT") {
				continue
			}
			return line, nil
		}
		if err := m.fill(ctx); err != nil {
			return "", err
		}
	}
}

func (m *ATModem) readN(ctx context.Context, n int) ([]byte, error) {
	for len(m.pending) < n {
		if err := m.fill(ctx); err != nil {
			return nil, err
		}
	}
	out := append([]byte(nil), m.pending[:n]...)
	m.pending = m.pending[n:]
	return out, nil
}

// readSBDRB reads the [len u16 BE | message | checksum u16 BE] answer of AT+SBDRB.
func (m *ATModem) readSBDRB(ctx context.Context) ([]byte, error) {
	m.pending = bytes.TrimLeft(m.pending, "\r\n")
	hdr, err := m.readN(ctx, 2)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr))
	if n > SBDMaxMT {
		return nil, errors.Errorf("SBDRB announced %d bytes", n)
	}
	body, err := m.readN(ctx, n+2)
	if err != nil {
		return nil, err
	}
	msg := body[:n]
	if sum := binary.BigEndian.Uint16(body[n:]); sum != sbdChecksum(msg) {
		return nil, errors.Errorf("SBDRB checksum mismatch: got %04x want %04x", sum, sbdChecksum(msg))
	}
	return msg, nil
}

func (m *ATModem) fill(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b, ok := <-m.in:
		if !ok {
			if m.readErr != nil {
				return m.readErr
			}
			return io.EOF
		}
		m.pending = append(m.pending, b...)
		return nil
	}
}

func (m *ATModem) readLoop() {
	defer m.wg.Done()
	defer close(m.in)
	for {
		buf := make([]byte, readChunk)
		n, err := m.conn.Read(buf)
		if n > 0 {
			select {
			case m.in <- buf[:n]:
			case <-m.done:
				return
			}
		}
		if err != nil {
			m.readErr = err
			return
		}
	}
}

// parseSBDIX parses "+SBDIX: <MO status>, <MOMSN>, <MT status>, <MTMSN>, <MT length>, <MT queued>".
func parseSBDIX(line string) (SessionResult, error) {
	var res SessionResult
	rest := strings.TrimSpace(strings.TrimPrefix(line, "+SBDIX:"))
	parts := strings.Split(rest, ",")
	if len(parts) != 6 {
		return res, errors.Errorf("malformed SBDIX reply %q", line)
	}
	fields := []*int{&res.MOStatus, &res.MOMSN, &res.MTStatus, &res.MTMSN, &res.MTLength, &res.MTQueued}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return res, errors.Wrapf(err, "malformed SBDIX reply %q", line)
		}
		*fields[i] = v
	}
	return res, nil
}

func sbdChecksum(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return sum
}
