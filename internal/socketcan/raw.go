package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-btcan/internal/can"
)

// rawLen is sizeof(struct can_frame).
const rawLen = 16

// struct can_frame in host (little-endian) order:
//
//	can_id  u32 [0:4]  EFF/RTR/ERR flags in the top bits
//	can_dlc u8  [4]
//	pad     3B  [5:8]
//	data    8B  [8:16]
func decodeRaw(buf []byte, fr *can.Frame) error {
	if len(buf) < rawLen {
		return fmt.Errorf("short frame: %d", len(buf))
	}
	dlc := int(buf[4])
	if dlc > can.MaxLen {
		dlc = can.MaxLen
	}
	*fr = can.MustFrame(can.FromWireID(binary.LittleEndian.Uint32(buf[0:4])), buf[8:8+dlc]...)
	return nil
}

func encodeRaw(buf []byte, fr can.Frame) {
	binary.LittleEndian.PutUint32(buf[0:4], fr.WireID())
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
}
