package main

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"log"
	"runtime"
)

const iconSize = 32

// Tray icons: a filled dot whose colour tracks the bridge state.
var (
	iconData          = makeIcon(color.RGBA{0x9e, 0x9e, 0x9e, 0xff})
	iconDataConnected = makeIcon(color.RGBA{0x2e, 0x7d, 0x32, 0xff})
	iconDataCard      = makeIcon(color.RGBA{0x15, 0x65, 0xc0, 0xff})
	iconDataWarning   = makeIcon(color.RGBA{0xf9, 0xa8, 0x25, 0xff})
	iconDataError     = makeIcon(color.RGBA{0xc6, 0x28, 0x28, 0xff})
)

func makeIcon(fill color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, iconSize, iconSize))
	c := float64(iconSize-1) / 2
	r := float64(iconSize)/2 - 2

	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			if dx*dx+dy*dy <= r*r {
				img.Set(x, y, fill)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		log.Printf("Failed to encode tray icon: %v", err)
		return nil
	}
	if runtime.GOOS == "windows" {
		return wrapICO(buf.Bytes(), iconSize)
	}
	return buf.Bytes()
}

// wrapICO embeds a PNG in a single-image ICO container, which the Windows
// tray requires.
func wrapICO(pngData []byte, size int) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	// ICONDIR
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint16(1))
	binary.Write(&buf, le, uint16(1))

	// ICONDIRENTRY
	buf.WriteByte(byte(size))
	buf.WriteByte(byte(size))
	buf.WriteByte(0)
	buf.WriteByte(0)
	binary.Write(&buf, le, uint16(1))
	binary.Write(&buf, le, uint16(32))
	binary.Write(&buf, le, uint32(len(pngData)))
	binary.Write(&buf, le, uint32(6+16))

	buf.Write(pngData)
	return buf.Bytes()
}
