package peer

import "github.com/willf/bitset"

// Bitfield tracks which piece indices a peer has, backed by willf/bitset.
// BitTorrent's wire bitfield is MSB-first within each byte (bit 0 of piece
// index 0 is the high bit of the first byte); bitset indexes bits LSB-first,
// so every wire<->bitset conversion flips the bit position within its byte.
type Bitfield struct {
	bits *bitset.BitSet
}

// NewBitfield returns an empty bitfield sized for numPieces.
func NewBitfield(numPieces int) *Bitfield {
	return &Bitfield{bits: bitset.New(uint(numPieces))}
}

// FromWire decodes a bitfield message's raw payload bytes into a Bitfield.
func FromWire(payload []byte) *Bitfield {
	bf := &Bitfield{bits: bitset.New(uint(len(payload) * 8))}
	for i, b := range payload {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<(7-bit)) != 0 {
				bf.bits.Set(uint(i*8 + bit))
			}
		}
	}
	return bf
}

// ToWire encodes the bitfield back into its MSB-first wire form, padded to
// numPieces bits.
func (bf *Bitfield) ToWire(numPieces int) []byte {
	byteLen := (numPieces + 7) / 8
	out := make([]byte, byteLen)
	for i := 0; i < numPieces; i++ {
		if bf.Has(i) {
			out[i/8] |= 1 << (7 - (i % 8))
		}
	}
	return out
}

// Has reports whether the bitfield marks piece index as present.
func (bf *Bitfield) Has(index int) bool {
	return bf.bits.Test(uint(index))
}

// Set marks piece index as present.
func (bf *Bitfield) Set(index int) {
	bf.bits.Set(uint(index))
}
