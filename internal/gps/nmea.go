// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"math"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

const (
	// UERE is the user equivalent range error used to turn HDOP into metres
	// when the receiver does not emit GST sentences.
	UERE = 5.0

	knotsToMPS = 0.514444

	typeGST = "GST"
)

// gst is the pseudorange error statistics sentence, which go-nmea does not
// parse itself:
//
//	$GPGST,time,rms,major,minor,orient,σlat,σlon,σalt*cs
type gst struct {
	nmea.BaseSentence
	Time    nmea.Time
	RMS     float64
	STDLat  float64 // metres
	STDLong float64 // metres
	STDAlt  float64 // metres
}

func init() {
	nmea.MustRegisterParser(typeGST, parseGST)
}

func parseGST(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	p.AssertType(typeGST)
	m := gst{
		BaseSentence: s,
		Time:         p.Time(0, "time"),
		RMS:          p.Float64(1, "rms"),
		STDLat:       p.Float64(5, "latitude error"),
		STDLong:      p.Float64(6, "longitude error"),
		STDAlt:       p.Float64(7, "altitude error"),
	}
	return m, p.Err()
}

// Assembler combines GGA, GST and RMC sentences from one receiver into
// LocationFix values. A fix is emitted on every valid GGA sentence; GST and
// RMC only enrich the next emitted fix.
type Assembler struct {
	now func() time.Time

	// GST standard deviation for the epoch it was reported in
	gstAccuracy float64
	gstTime     nmea.Time
	haveGST     bool

	speed    float64
	course   float64
	haveRMC  bool
	rmcValid bool
}

// NewAssembler creates an assembler stamping fixes with the local clock.
func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// Feed parses one raw NMEA line. It returns a fix and true when the line
// completed a usable position; noisy or partial lines are ignored.
func (a *Assembler) Feed(line string) (LocationFix, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "$") {
		return LocationFix{}, false
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		return LocationFix{}, false
	}

	switch sentence.DataType() {
	case typeGST:
		m, ok := sentence.(gst)
		if !ok {
			return LocationFix{}, false
		}
		a.gstAccuracy = math.Sqrt(m.STDLat*m.STDLat + m.STDLong*m.STDLong)
		a.gstTime = m.Time
		a.haveGST = true

	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		a.speed = m.Speed * knotsToMPS
		a.course = m.Course
		a.haveRMC = true
		a.rmcValid = m.Validity == nmea.ValidRMC

	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		return a.fromGGA(m)
	}

	return LocationFix{}, false
}

func (a *Assembler) fromGGA(m nmea.GGA) (LocationFix, bool) {
	if m.FixQuality == nmea.Invalid || m.FixQuality == "" {
		return LocationFix{}, false
	}

	accuracy := m.HDOP * UERE
	if a.haveGST && a.gstTime == m.Time && a.gstAccuracy > 0 {
		accuracy = a.gstAccuracy
	}
	if accuracy <= 0 {
		// no HDOP and no GST: nothing tells us how good this is
		return LocationFix{}, false
	}

	fix := LocationFix{
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		Accuracy:   accuracy,
		Altitude:   Float(m.Altitude),
		CapturedAt: a.now().UnixMilli(),
	}
	if a.haveRMC && a.rmcValid {
		fix.Speed = Float(a.speed)
		fix.Heading = Float(a.course)
	}

	if fix.Validate() != nil {
		return LocationFix{}, false
	}
	return fix, true
}
