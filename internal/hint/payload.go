package hint

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DataMaxInos bounds how many per-inode entries one hint payload carries.
const DataMaxInos = 8

// InoHint is one per-inode entry of a hint payload: the inode, the LBA
// range it covers, and its file class.
type InoHint struct {
	Ino      uint64
	StartLBA uint32
	Count    uint32
	Class    uint32
}

// Payload is the wire form of a hint submission. Data entries beyond
// Count are ignored.
type Payload struct {
	LBA          uint32
	SectorsCount uint32
	IsWrite      uint32
	Flags        uint32
	Count        uint32
	Data         [DataMaxInos]InoHint
}

// EncodedSize is the fixed byte length of an encoded Payload.
const EncodedSize = 5*4 + DataMaxInos*20

// Encode serializes the payload little-endian, the layout Decode expects.
func (p *Payload) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p.LBA)
	binary.Write(&buf, binary.LittleEndian, p.SectorsCount)
	binary.Write(&buf, binary.LittleEndian, p.IsWrite)
	binary.Write(&buf, binary.LittleEndian, p.Flags)
	binary.Write(&buf, binary.LittleEndian, p.Count)
	for i := range p.Data {
		binary.Write(&buf, binary.LittleEndian, p.Data[i].Ino)
		binary.Write(&buf, binary.LittleEndian, p.Data[i].StartLBA)
		binary.Write(&buf, binary.LittleEndian, p.Data[i].Count)
		binary.Write(&buf, binary.LittleEndian, p.Data[i].Class)
	}
	return buf.Bytes()
}

// Decode parses a payload produced by Encode (or a user-space writer
// following the same layout). Short or oversized counts are rejected.
func Decode(raw []byte) (*Payload, error) {
	if len(raw) < EncodedSize {
		return nil, fmt.Errorf("hint: payload too short: %d bytes", len(raw))
	}
	r := bytes.NewReader(raw)
	p := &Payload{}
	binary.Read(r, binary.LittleEndian, &p.LBA)
	binary.Read(r, binary.LittleEndian, &p.SectorsCount)
	binary.Read(r, binary.LittleEndian, &p.IsWrite)
	binary.Read(r, binary.LittleEndian, &p.Flags)
	binary.Read(r, binary.LittleEndian, &p.Count)
	for i := range p.Data {
		binary.Read(r, binary.LittleEndian, &p.Data[i].Ino)
		binary.Read(r, binary.LittleEndian, &p.Data[i].StartLBA)
		binary.Read(r, binary.LittleEndian, &p.Data[i].Count)
		binary.Read(r, binary.LittleEndian, &p.Data[i].Class)
	}
	if p.Count > DataMaxInos {
		return nil, fmt.Errorf("hint: payload count %d exceeds max %d", p.Count, DataMaxInos)
	}
	return p, nil
}

// Apply turns a payload into live hint entries, filtered by the active
// engine's flag set. It returns how many entries were accepted.
func (s *Store) Apply(p *Payload, engineFlags Flag) int {
	accepted := 0
	for i := uint32(0); i < p.Count; i++ {
		d := p.Data[i]
		info := Info{
			Ino:      d.Ino,
			StartLBA: int64(d.StartLBA),
			Count:    int64(d.Count),
			Class:    Class(d.Class),
			IsWrite:  p.IsWrite != 0,
			Flags:    Flag(p.Flags),
		}
		if d.Ino != 0 {
			s.SetInodeClass(d.Ino, Class(d.Class))
		}
		if s.Send(info, engineFlags) {
			accepted++
		}
	}
	return accepted
}
