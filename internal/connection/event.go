package connection

import "fmt"

// Event is an input to Transition.
type Event interface {
	fmt.Stringer
	event()
}

// Printer identifies a discovered device to connect to.
type Printer struct {
	ID   string
	Name string
}

type (
	StartScan   struct{}
	RestartScan struct{}
	CancelScan  struct{}
	ScanTimeout struct{}

	// Connect picks a device found by the current scan.
	Connect struct{ Printer Printer }
	// Reconnect targets a known device without scanning.
	Reconnect struct{ DeviceID string }

	ConnectSuccess struct {
		DeviceID   string
		DeviceName string
	}
	ConnectFailed  struct{ Err error }
	ConnectionLost struct{}

	PrintStart    struct{}
	PrintComplete struct{}
	PrintFailed   struct{ Err error }

	Disconnect struct{}
	Reset      struct{}
)

func (StartScan) event()      {}
func (RestartScan) event()    {}
func (CancelScan) event()     {}
func (ScanTimeout) event()    {}
func (Connect) event()        {}
func (Reconnect) event()      {}
func (ConnectSuccess) event() {}
func (ConnectFailed) event()  {}
func (ConnectionLost) event() {}
func (PrintStart) event()     {}
func (PrintComplete) event()  {}
func (PrintFailed) event()    {}
func (Disconnect) event()     {}
func (Reset) event()          {}

func (StartScan) String() string        { return "startScan" }
func (RestartScan) String() string      { return "restartScan" }
func (CancelScan) String() string       { return "cancelScan" }
func (ScanTimeout) String() string      { return "scanTimeout" }
func (e Connect) String() string        { return fmt.Sprintf("connect(%s)", e.Printer.ID) }
func (e Reconnect) String() string      { return fmt.Sprintf("reconnect(%s)", e.DeviceID) }
func (e ConnectSuccess) String() string { return fmt.Sprintf("connectSuccess(%s)", e.DeviceID) }
func (e ConnectFailed) String() string  { return fmt.Sprintf("connectFailed(%v)", e.Err) }
func (ConnectionLost) String() string   { return "connectionLost" }
func (PrintStart) String() string       { return "printStart" }
func (PrintComplete) String() string    { return "printComplete" }
func (e PrintFailed) String() string    { return fmt.Sprintf("printFailed(%v)", e.Err) }
func (Disconnect) String() string       { return "disconnect" }
func (Reset) String() string            { return "reset" }
