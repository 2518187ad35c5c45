package protocol

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Command is the command id byte of a frame.
type Command byte

// Cat/MX command catalog.
const (
	CmdRetract       Command = 0xA0
	CmdFeedPaper     Command = 0xA1
	CmdPrintLine     Command = 0xA2
	CmdGetStatus     Command = 0xA3
	CmdSetQuality    Command = 0xA4
	CmdGetDeviceInfo Command = 0xA8
	CmdFlowControl   Command = 0xAE // inbound only
	CmdSetEnergy     Command = 0xAF
	CmdSetSpeed      Command = 0xBD
	CmdApplyEnergy   Command = 0xBE
)

var commandNames = map[Command]string{
	CmdRetract:       "retract",
	CmdFeedPaper:     "feedPaper",
	CmdPrintLine:     "printLine",
	CmdGetStatus:     "getStatus",
	CmdSetQuality:    "setQuality",
	CmdGetDeviceInfo: "getDeviceInfo",
	CmdFlowControl:   "flowControl",
	CmdSetEnergy:     "setEnergy",
	CmdSetSpeed:      "setSpeed",
	CmdApplyEnergy:   "applyEnergy",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", byte(c))
}

// Quality is the print density payload of setQuality.
type Quality byte

const (
	QualityLight  Quality = 0x31
	QualityNormal Quality = 0x32
	QualityDark   Quality = 0x33
)

// Valid reports whether q is one of the catalog values.
func (q Quality) Valid() bool {
	return q >= QualityLight && q <= QualityDark
}

func (q Quality) String() string {
	switch q {
	case QualityLight:
		return "light"
	case QualityNormal:
		return "normal"
	case QualityDark:
		return "dark"
	}
	return fmt.Sprintf("Quality(0x%02X)", byte(q))
}

// ParseQuality maps a settings name to its wire value.
func ParseQuality(s string) (Quality, error) {
	switch s {
	case "light":
		return QualityLight, nil
	case "normal":
		return QualityNormal, nil
	case "dark":
		return QualityDark, nil
	}
	return 0, fmt.Errorf("protocol: unknown quality %q", s)
}

// Row geometry for printLine.
const (
	RowPixels = 384
	RowBytes  = RowPixels / 8
)

// applyEnergyValue is the fixed payload of applyEnergy.
const applyEnergyValue = 0x01

// SetQuality builds a setQuality frame.
func SetQuality(q Quality) []byte {
	return BuildCommand(CmdSetQuality, []byte{byte(q)})
}

// SetEnergy builds a setEnergy frame. It has no effect on the printer until
// ApplyEnergy is sent.
func SetEnergy(energy byte) []byte {
	return BuildCommand(CmdSetEnergy, []byte{energy})
}

// ApplyEnergy builds the frame that commits a preceding SetEnergy.
func ApplyEnergy() []byte {
	return BuildCommand(CmdApplyEnergy, []byte{applyEnergyValue})
}

// SetSpeed builds a setSpeed frame.
func SetSpeed(speed byte) []byte {
	return BuildCommand(CmdSetSpeed, []byte{speed})
}

// FeedPaper builds a feedPaper frame advancing the paper by lines.
func FeedPaper(lines uint16) []byte {
	return BuildCommand(CmdFeedPaper, binary.LittleEndian.AppendUint16(nil, lines))
}

// Retract builds a retract frame pulling the paper back by lines.
func Retract(lines uint16) []byte {
	return BuildCommand(CmdRetract, binary.LittleEndian.AppendUint16(nil, lines))
}

// GetStatus builds a getStatus frame.
func GetStatus() []byte {
	return BuildCommand(CmdGetStatus, nil)
}

// GetDeviceInfo builds a getDeviceInfo frame.
func GetDeviceInfo() []byte {
	return BuildCommand(CmdGetDeviceInfo, nil)
}

// PrintLine builds a printLine frame from one MSB-first bitmap row (bit 7 of
// the first byte is the leftmost pixel, 1 is black). The printer expects
// each byte LSB-first, so every byte is bit-reversed on the way out.
func PrintLine(row []byte) ([]byte, error) {
	if len(row) != RowBytes {
		return nil, fmt.Errorf("protocol: print row is %d bytes, want %d", len(row), RowBytes)
	}
	payload := make([]byte, RowBytes)
	for i, b := range row {
		payload[i] = bits.Reverse8(b)
	}
	return BuildCommand(CmdPrintLine, payload), nil
}
