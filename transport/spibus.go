package transport

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPIBus adapts a periph.io spi.Conn to the Bus interface, exactly the way
// lcd.LCD wraps a spi.PortCloser.
type SPIBus struct {
	port spi.PortCloser
	conn spi.Conn
}

// OpenSPI initializes the host drivers, opens the named SPI port (empty
// name picks the first available bus) at the given clock speed, and
// returns a Bus. Call Close when done.
func OpenSPI(name string, speed physic.Frequency) (*SPIBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("transport: host init: %w", err)
	}
	p, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("transport: open spi %q: %w", name, err)
	}
	c, err := p.Connect(speed, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("transport: connect spi %q: %w", name, err)
	}
	return &SPIBus{port: p, conn: c}, nil
}

// SetSpeed reconnects at a new clock speed. Nothing in this module calls
// it; device configuration runs at the speed OpenSPI was given.
func (b *SPIBus) SetSpeed(speed physic.Frequency) error {
	c, err := b.port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		return fmt.Errorf("transport: set speed: %w", err)
	}
	b.conn = c
	return nil
}

func (b *SPIBus) Tx(w, r []byte) error {
	return b.conn.Tx(w, r)
}

func (b *SPIBus) Close() error {
	return b.port.Close()
}
