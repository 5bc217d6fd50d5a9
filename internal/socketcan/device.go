//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-lpccan/internal/can"
)

// Device is a raw CAN socket bound to one interface.
type Device struct {
	fd int
}

// Open binds a raw classic CAN socket to iface.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && !errors.Is(err, unix.ENOPROTOOPT) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable CAN FD: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic frame. struct can_frame is can_id (host order,
// flags included), dlc, three pad bytes and eight data bytes.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	f, err := unmarshal(buf[:n])
	if err != nil {
		return err
	}
	*fr = f
	return nil
}

// WriteFrame writes one classic frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	b := marshal(fr)
	_, err := unix.Write(d.fd, b[:])
	return err
}

func marshal(fr can.Frame) [unix.CAN_MTU]byte {
	var b [unix.CAN_MTU]byte
	binary.NativeEndian.PutUint32(b[0:4], fr.CANID())
	p := fr.Payload()
	b[4] = byte(len(p))
	copy(b[8:], p)
	return b
}

func unmarshal(b []byte) (can.Frame, error) {
	if len(b) != unix.CAN_MTU {
		return can.Frame{}, fmt.Errorf("socketcan: short read: %d", len(b))
	}
	id := binary.NativeEndian.Uint32(b[0:4])
	if id&can.CAN_ERR_FLAG != 0 {
		return can.Frame{}, errErrorFrame
	}
	dlc := min(int(b[4]), can.MaxLen)
	return can.FromCANID(id, b[8:8+dlc]), nil
}
