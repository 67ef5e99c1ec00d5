package cryptox

import "encoding/binary"

// ghash is the GCM authenticator over ciphertext only (no additional data).
// It accepts input of any length across calls and keeps a partial block
// until 16 bytes are available.
type ghash struct {
	h     gfElement
	y     gfElement
	buf   [16]byte
	nbuf  int
	total uint64
}

// gfElement is a GF(2^128) element in GCM bit order: bit 0 is the most
// significant bit of hi.
type gfElement struct {
	hi, lo uint64
}

func newGHASH(subkey []byte) *ghash {
	return &ghash{h: loadElement(subkey)}
}

func loadElement(b []byte) gfElement {
	return gfElement{
		hi: binary.BigEndian.Uint64(b[:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

func (g *ghash) write(p []byte) {
	g.total += uint64(len(p))

	if g.nbuf > 0 {
		n := copy(g.buf[g.nbuf:], p)
		g.nbuf += n
		p = p[n:]

		if g.nbuf < len(g.buf) {
			return
		}

		g.block(g.buf[:])
		g.nbuf = 0
	}

	for len(p) >= 16 {
		g.block(p[:16])
		p = p[16:]
	}

	g.nbuf = copy(g.buf[:], p)
}

// sum pads the trailing partial block, appends the length block and
// returns the 16-byte digest. The ghash must not be written afterwards.
func (g *ghash) sum() []byte {
	if g.nbuf > 0 {
		clear(g.buf[g.nbuf:])
		g.block(g.buf[:])
		g.nbuf = 0
	}

	var lengths [16]byte
	binary.BigEndian.PutUint64(lengths[8:], g.total*8)
	g.block(lengths[:])

	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[:8], g.y.hi)
	binary.BigEndian.PutUint64(out[8:], g.y.lo)

	return out
}

func (g *ghash) block(b []byte) {
	x := loadElement(b)
	g.y.hi ^= x.hi
	g.y.lo ^= x.lo
	g.y = gfMul(g.y, g.h)
}

// gfMul multiplies in GF(2^128) with the GCM reduction polynomial. It
// selects with masks so its timing does not depend on the operands.
func gfMul(x, y gfElement) gfElement {
	var z gfElement

	v := y

	for i := range 128 {
		word := x.hi
		if i >= 64 {
			word = x.lo
		}

		mask := -((word >> (63 - i%64)) & 1)
		z.hi ^= v.hi & mask
		z.lo ^= v.lo & mask

		reduce := -(v.lo & 1)
		v.lo = v.lo>>1 | v.hi<<63
		v.hi = v.hi>>1 ^ (0xe1<<56)&reduce
	}

	return z
}
