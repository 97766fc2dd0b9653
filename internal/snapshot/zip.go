// Package snapshot captures a sandbox workspace as a deterministic ZIP
// stored in the artifact bucket.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// The archive layout is fixed by the consumers of workspace.zip: STORED
// entries, general-purpose flag 0x0808 (UTF-8 names + data descriptor),
// descriptor trailer per entry, central directory last. Entry CRCs and
// sizes are computed while streaming so the writer never seeks, which is
// what lets the buffer go straight to object storage.
const (
	localHeaderSig     = 0x04034b50
	dataDescriptorSig  = 0x08074b50
	centralDirSig      = 0x02014b50
	endOfCentralDirSig = 0x06054b50

	zipVersion  = 20     // version-needed 2.0
	zipFlags    = 0x0808 // UTF-8 names + data descriptor
	methodStore = 0
)

type zipEntry struct {
	name   string
	crc    uint32
	size   uint32
	offset uint32
}

// Writer builds a STORED-method ZIP stream entry by entry.
type Writer struct {
	buf     bytes.Buffer
	entries []zipEntry
}

// NewWriter creates an empty ZIP writer.
func NewWriter() *Writer {
	return &Writer{}
}

// AddFile streams one file into the archive. The local header carries zero
// CRC and sizes; the real values follow in the data descriptor.
func (w *Writer) AddFile(name string, r io.Reader) error {
	offset := uint32(w.buf.Len())
	nameBytes := []byte(name)

	writeU32(&w.buf, localHeaderSig)
	writeU16(&w.buf, zipVersion)
	writeU16(&w.buf, zipFlags)
	writeU16(&w.buf, methodStore)
	writeU16(&w.buf, 0) // mod time
	writeU16(&w.buf, 0) // mod date
	writeU32(&w.buf, 0) // crc, in descriptor
	writeU32(&w.buf, 0) // compressed size, in descriptor
	writeU32(&w.buf, 0) // uncompressed size, in descriptor
	writeU16(&w.buf, uint16(len(nameBytes)))
	writeU16(&w.buf, 0) // extra length
	w.buf.Write(nameBytes)

	crc := crc32.NewIEEE()
	n, err := io.Copy(&w.buf, io.TeeReader(r, crc))
	if err != nil {
		return err
	}
	size := uint32(n)
	sum := crc.Sum32()

	writeU32(&w.buf, dataDescriptorSig)
	writeU32(&w.buf, sum)
	writeU32(&w.buf, size) // stored: compressed == uncompressed
	writeU32(&w.buf, size)

	w.entries = append(w.entries, zipEntry{name: name, crc: sum, size: size, offset: offset})
	return nil
}

// Close writes the central directory and end record and returns the
// complete archive bytes.
func (w *Writer) Close() []byte {
	cdStart := uint32(w.buf.Len())

	for _, e := range w.entries {
		nameBytes := []byte(e.name)
		writeU32(&w.buf, centralDirSig)
		writeU16(&w.buf, zipVersion) // version made by
		writeU16(&w.buf, zipVersion) // version needed
		writeU16(&w.buf, zipFlags)
		writeU16(&w.buf, methodStore)
		writeU16(&w.buf, 0) // mod time
		writeU16(&w.buf, 0) // mod date
		writeU32(&w.buf, e.crc)
		writeU32(&w.buf, e.size)
		writeU32(&w.buf, e.size)
		writeU16(&w.buf, uint16(len(nameBytes)))
		writeU16(&w.buf, 0) // extra length
		writeU16(&w.buf, 0) // comment length
		writeU16(&w.buf, 0) // disk number
		writeU16(&w.buf, 0) // internal attrs
		writeU32(&w.buf, 0) // external attrs
		writeU32(&w.buf, e.offset)
		w.buf.Write(nameBytes)
	}

	cdSize := uint32(w.buf.Len()) - cdStart

	writeU32(&w.buf, endOfCentralDirSig)
	writeU16(&w.buf, 0) // disk number
	writeU16(&w.buf, 0) // central dir start disk
	writeU16(&w.buf, uint16(len(w.entries)))
	writeU16(&w.buf, uint16(len(w.entries)))
	writeU32(&w.buf, cdSize)
	writeU32(&w.buf, cdStart)
	writeU16(&w.buf, 0) // comment length

	return w.buf.Bytes()
}

// FileCount returns the number of entries added so far.
func (w *Writer) FileCount() int {
	return len(w.entries)
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
