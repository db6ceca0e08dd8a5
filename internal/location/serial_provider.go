// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/presence_keeper/internal/gps"
	"github.com/relabs-tech/presence_keeper/internal/logs"
)

// SerialProvider reads NMEA sentences from a GNSS receiver on a serial port.
// Every Watch opens the port and closes it again when the subscription ends,
// so the receiver is only held while somebody is waiting for a fix.
type SerialProvider struct {
	opts serial.OpenOptions
	open func(serial.OpenOptions) (io.ReadWriteCloser, error)
	log  logs.Sink
}

// NewSerialProvider creates a provider for the receiver on portName.
func NewSerialProvider(portName string, baudRate int, log logs.Sink) *SerialProvider {
	if log == nil {
		log = logs.Discard
	}
	return &SerialProvider{
		opts: serial.OpenOptions{
			PortName:        portName,
			BaudRate:        uint(baudRate),
			DataBits:        8,
			StopBits:        1,
			ParityMode:      serial.PARITY_NONE,
			MinimumReadSize: 0,
			// reads return periodically so a cancelled subscription is noticed
			InterCharacterTimeout: 200,
		},
		open: serial.Open,
		log:  log,
	}
}

func (p *SerialProvider) Watch(ctx context.Context) (<-chan Reading, error) {
	port, err := p.open(p.opts)
	if err != nil {
		return nil, classifyOpenError(p.opts.PortName, err)
	}
	p.log.Debug("GPS serial port opened", map[string]interface{}{
		"port": p.opts.PortName,
		"baud": p.opts.BaudRate,
	})

	out := make(chan Reading, 8)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		port.Close()
	}()

	go func() {
		defer close(out)
		defer close(done)

		asm := gps.NewAssembler()
		reader := bufio.NewReader(port)
		var partial strings.Builder

		for {
			chunk, err := reader.ReadString('\n')
			partial.WriteString(chunk)

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					// inter-character timeout with no data
					continue
				}
				select {
				case out <- Reading{Err: fmt.Errorf("%w: GPS read error: %v", ErrPositionUnavailable, err)}:
				case <-ctx.Done():
				}
				return
			}

			line := partial.String()
			partial.Reset()

			fix, ok := asm.Feed(line)
			if !ok {
				continue
			}
			select {
			case out <- Reading{Fix: fix}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (p *SerialProvider) Current(ctx context.Context) (gps.LocationFix, error) {
	return firstFix(ctx, p)
}

func classifyOpenError(port string, err error) error {
	switch {
	case os.IsPermission(err):
		return fmt.Errorf("%w: open %s: %v", ErrPermissionDenied, port, err)
	case os.IsNotExist(err):
		return fmt.Errorf("%w: open %s: %v", ErrUnsupported, port, err)
	default:
		return fmt.Errorf("%w: open %s: %v", ErrPositionUnavailable, port, err)
	}
}
