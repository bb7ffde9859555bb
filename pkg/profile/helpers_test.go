package profile

import (
	"github.com/valyala/bytebufferpool"
)

// encodeFile returns a file of the given version with a single epoch
// holding one load module and no metrics. The node table is written
// by nodes.
func encodeFile(version uint32, count uint32, nodes func(e *encoder)) []byte {
	e := encoder{buf: new(bytebufferpool.ByteBuffer)}
	e.bytes(fileMagic[:])
	e.u32(version)
	e.u32(0)
	e.nameValues(nil)
	e.bytes(epochMagic[:])
	e.u64(0)
	e.u64(0)
	e.u32(0)
	e.nameValues(nil)
	e.u32(0)
	e.u32(1)
	e.str("/bin/app")
	e.u64(0x400000)
	e.u32(count)
	nodes(&e)
	return e.buf.B
}

func nodeV1(e *encoder, id, parent int32, lm uint16, ip uint64) {
	e.u32(uint32(id))
	e.u32(uint32(parent))
	e.u32(0)
	e.u16(lm)
	e.u64(ip)
	e.u8(0)
}

func nodeV2(e *encoder, id, parent int32, kind uint8, lm uint16, ip uint64, cp uint32) {
	e.u32(uint32(id))
	e.u32(uint32(parent))
	e.u8(kind)
	e.u32(0)
	e.u16(lm)
	e.u64(ip)
	e.u8(0)
	if id < 0 {
		e.u32(cp)
	}
}
