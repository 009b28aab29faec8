package nfc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// APDU status words
const (
	SW1Success = 0x90
	SW2Success = 0x00
)

// PC/SC pseudo-APDU bytes
const (
	CLAPCSC      = 0xFF // PC/SC pseudo-APDU (reader commands)
	INSGetUID    = 0xCA // Get UID
	INSDirectCmd = 0x00 // Direct transmit to the contactless front end
)

// MaxResponseLen is the receive buffer size used for probe commands.
const MaxResponseLen = 255

// FeliCa polling response layout
const (
	FelicaMinResponseLen = 17
	felicaIDmOffset      = 2
	felicaPMmOffset      = 10
	felicaPMmEnd         = 18
)

// APDUResponse represents a parsed APDU response
type APDUResponse struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// IsSuccess returns true if the response indicates success (SW1=90, SW2=00)
func (r APDUResponse) IsSuccess() bool {
	return r.SW1 == SW1Success && r.SW2 == SW2Success
}

// Error returns an error if the response is not successful
func (r APDUResponse) Error() error {
	if r.IsSuccess() {
		return nil
	}
	return fmt.Errorf("APDU error: SW1=%02X SW2=%02X", r.SW1, r.SW2)
}

// StatusWord returns the 2-byte status word as uint16
func (r APDUResponse) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// ParseAPDUResponse parses a raw response into APDUResponse
func ParseAPDUResponse(raw []byte) (APDUResponse, error) {
	if len(raw) < 2 {
		return APDUResponse{}, errors.New("response too short")
	}
	return APDUResponse{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// BuildAPDU constructs an APDU command
func BuildAPDU(cla, ins, p1, p2 byte, data []byte, le *byte) []byte {
	cmd := []byte{cla, ins, p1, p2}

	if len(data) > 0 {
		cmd = append(cmd, byte(len(data)))
		cmd = append(cmd, data...)
	}

	if le != nil {
		cmd = append(cmd, *le)
	}

	return cmd
}

// GetUIDAPDU returns FF CA 00 00 00.
func GetUIDAPDU() []byte {
	le := byte(0x00)
	return BuildAPDU(CLAPCSC, INSGetUID, 0x00, 0x00, nil, &le)
}

// FelicaPollingAPDU returns the direct-transmit wrapped FeliCa polling
// command FF 00 00 00 06 00 FF FF 01 00 00 (polling, wildcard system code,
// request system code, one time slot).
func FelicaPollingAPDU() []byte {
	polling := []byte{0x00, 0xFF, 0xFF, 0x01, 0x00, 0x00}
	return BuildAPDU(CLAPCSC, INSDirectCmd, 0x00, 0x00, polling, nil)
}

// IsUIDCommand reports whether cmd is the get-UID pseudo-APDU.
func IsUIDCommand(cmd []byte) bool {
	return len(cmd) >= 2 && cmd[0] == CLAPCSC && cmd[1] == INSGetUID
}

// IsFelicaPollingCommand reports whether cmd is the wrapped polling command.
func IsFelicaPollingCommand(cmd []byte) bool {
	return bytes.Equal(cmd, FelicaPollingAPDU())
}

// ParseUIDResponse extracts the UID from a get-UID response. It returns
// false unless the response ends with 90 00.
func ParseUIDResponse(raw []byte) ([]byte, bool) {
	resp, err := ParseAPDUResponse(raw)
	if err != nil || !resp.IsSuccess() {
		return nil, false
	}
	uid := make([]byte, len(resp.Data))
	copy(uid, resp.Data)
	return uid, true
}

// ParseFelicaResponse extracts IDm and PMm from a polling response.
// Responses shorter than FelicaMinResponseLen are rejected. PMm is clamped
// to the bytes actually present.
func ParseFelicaResponse(raw []byte) (idm, pmm []byte, ok bool) {
	if len(raw) < FelicaMinResponseLen {
		return nil, nil, false
	}
	end := felicaPMmEnd
	if end > len(raw) {
		end = len(raw)
	}
	idm = append([]byte(nil), raw[felicaIDmOffset:felicaPMmOffset]...)
	pmm = append([]byte(nil), raw[felicaPMmOffset:end]...)
	return idm, pmm, true
}

// BytesToHex converts bytes to a lowercase hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// FormatHex formats bytes as space separated upper-case pairs for logs.
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}
