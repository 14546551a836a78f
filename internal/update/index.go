package update

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Index is the update server manifest:
// "<version>\r\n<parts> <checksumsPerFile>"
type Index struct {
	Version string
	Parts   int
	PerFile int
}

func ParseIndex(b []byte) (Index, error) {
	i := bytes.Index(b, []byte("\r\n"))
	if i < 0 {
		return Index{}, errors.NotValidf("update index no version line")
	}
	idx := Index{Version: strings.TrimSpace(string(b[:i]))}
	if idx.Version == "" {
		return Index{}, errors.NotValidf("update index version=empty")
	}
	fields := strings.Fields(string(b[i+2:]))
	if len(fields) < 2 {
		return Index{}, errors.NotValidf("update index parts line=%q", b[i+2:])
	}
	var err error
	if idx.Parts, err = strconv.Atoi(fields[0]); err != nil || idx.Parts <= 0 {
		return Index{}, errors.NotValidf("update index parts=%q", fields[0])
	}
	if idx.PerFile, err = strconv.Atoi(fields[1]); err != nil || idx.PerFile <= 0 {
		return Index{}, errors.NotValidf("update index checksums per file=%q", fields[1])
	}
	return idx, nil
}

// ChecksumFiles lists N of every N.chk, 1-based.
func (idx Index) ChecksumFiles() []int {
	ns := make([]int, 0, (idx.Parts+idx.PerFile-1)/idx.PerFile)
	for n := 1; n <= idx.Parts; n += idx.PerFile {
		ns = append(ns, n)
	}
	return ns
}

// ParseChecksums decodes up to max little endian CRC32 values, trailing partial word ignored.
func ParseChecksums(b []byte, max int) ([]uint32, error) {
	n := len(b) / 4
	if n == 0 {
		return nil, errors.NotValidf("update checksum file len=%d", len(b))
	}
	if n > max {
		n = max
	}
	sums := make([]uint32, n)
	for i := range sums {
		sums[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return sums, nil
}

func verify(part int, b []byte, expect uint32) error {
	if len(b) == 0 {
		return errors.NotValidf("update part %d empty", part)
	}
	if actual := crc32.ChecksumIEEE(b); actual != expect {
		return errors.NotValidf("update part %d crc=%08x expected=%08x", part, actual, expect)
	}
	return nil
}
