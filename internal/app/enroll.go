// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"image"
	"image/color"

	qrcode "github.com/skip2/go-qrcode"
)

const enrollQRPixels = 256

// enrollment is what an administrator scans to register this device with
// the presence server.
type enrollment struct {
	DeviceID  string `json:"device_id"`
	ServerURL string `json:"server_url"`
	Username  string `json:"username,omitempty"`
}

// renderEnrollQR encodes e as a square QR code of px pixels.
func renderEnrollQR(e enrollment, px int) (image.Image, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	qr, err := qrcode.New(string(data), qrcode.Medium)
	if err != nil {
		return nil, err
	}
	qr.ForegroundColor = color.Black
	qr.BackgroundColor = color.White
	return qr.Image(px), nil
}
