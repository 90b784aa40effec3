package servo

import (
	"io"

	"go.bug.st/serial"
)

// Port is the part of a serial port the sink needs. Controllers that answer
// with status lines are read through Monitor.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the port at path.
type Opener func(path string, opts PortOptions) (Port, error)

// OpenSerial opens a real serial port.
func OpenSerial(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}
