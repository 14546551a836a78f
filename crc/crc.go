// Package crc implements CRC16-CCITT (poly 0x1021, MSB first, no final xor)
// used by the overflow queue file for header and record checksums.
package crc

const CCITTPoly uint16 = 0x1021
const CCITTInit uint16 = 0xffff

var ccittTable = makeTable(CCITTPoly)

func makeTable(poly uint16) *[256]uint16 {
	t := new([256]uint16)
	for i := 0; i < 256; i++ {
		t[i] = CRC16_reference(0, byte(i), poly)
	}
	return t
}

// Bit by bit, kept as the source of truth for the table.
func CRC16_reference(crc uint16, data byte, poly uint16) uint16 {
	crc ^= uint16(data) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = crc<<1 ^ poly
		} else {
			crc <<= 1
		}
	}
	return crc
}

func CRC16_next(crc uint16, data byte) uint16 {
	return crc<<8 ^ ccittTable[byte(crc>>8)^data]
}

// CRC16 continues crc over bs. Start with CCITTInit.
func CRC16(crc uint16, bs []byte) uint16 {
	for _, b := range bs {
		crc = CRC16_next(crc, b)
	}
	return crc
}

func CCITT(bs []byte) uint16 { return CRC16(CCITTInit, bs) }
