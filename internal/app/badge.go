// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Badge geometry matches the 128x64 status panels the agent runs next to.
const (
	badgeWidth  = 128
	badgeHeight = 64
)

var (
	badgeActive   = color.RGBA{0x1b, 0x5e, 0x20, 0xff}
	badgeInactive = color.RGBA{0x8b, 0x1a, 0x1a, 0xff}
	badgeText     = color.White
)

// badgeStatus is what the badge shows.
type badgeStatus struct {
	Active   bool
	Online   bool
	NextDue  time.Time
	Reason   string // why the last session ended
	Queued   int
	Accuracy float64 // metres, 0 when no fix yet
}

// renderBadge draws the status as four lines of 7x13 text.
func renderBadge(st badgeStatus, now time.Time) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, badgeWidth, badgeHeight))

	bg := badgeInactive
	if st.Active {
		bg = badgeActive
	}
	draw.Draw(img, img.Bounds(), &image.Uniform{bg}, image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{badgeText},
		Face: basicfont.Face7x13,
	}

	lines := badgeLines(st, now)
	for i, line := range lines {
		drawer.Dot = fixed.P(2, 13*(i+1))
		drawer.DrawBytes([]byte(line))
	}
	return img
}

func badgeLines(st badgeStatus, now time.Time) []string {
	net := "online"
	if !st.Online {
		net = fmt.Sprintf("offline q=%d", st.Queued)
	}

	if !st.Active {
		reason := st.Reason
		if reason == "" {
			reason = "not logged in"
		}
		return []string{"SIGNED OUT", clip(reason), net}
	}

	lines := []string{"ON DUTY", net}
	if !st.NextDue.IsZero() {
		in := st.NextDue.Sub(now).Round(time.Second)
		if in < 0 {
			in = 0
		}
		lines = append(lines, "next "+in.String())
	}
	if st.Accuracy > 0 {
		lines = append(lines, fmt.Sprintf("fix +/-%.0fm", st.Accuracy))
	}
	return lines
}

// clip keeps a line within the badge width.
func clip(s string) string {
	const maxChars = badgeWidth / 7
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars-1] + "~"
}
