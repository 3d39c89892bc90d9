package lpage

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lstoredb/lstore/internal/lrecord"
)

// Binary page format: a tag-and-length-prefix discipline applied to a
// self-describing record stream:
//
//	[0:4]  capacity       (uint32 LE)
//	[4:8]  record count N (uint32 LE)
//	N times, one record:
//	  [0:2]  len(BaseRID)        (uint16 LE) + bytes
//	  [0:2]  len(RID)            (uint16 LE) + bytes
//	  [0:2]  len(Indirection)    (uint16 LE) + bytes
//	  [0:8]  StartTime           (int64 LE)
//	  [0:2]  column count C      (uint16 LE)
//	  C times: [0] present (0/1) [1:9] value (int64 LE, only if present)

// Marshal serializes a page to its on-disk byte form.
func Marshal(p *Page) []byte {
	buf := make([]byte, 0, 8+p.Len()*32)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(p.capacity))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(p.records)))
	buf = append(buf, hdr[:]...)

	for _, rec := range p.records {
		buf = appendString(buf, rec.BaseRID)
		buf = appendString(buf, rec.RID)
		buf = appendString(buf, rec.Indirection)

		var t [8]byte
		binary.LittleEndian.PutUint64(t[:], uint64(rec.StartTime))
		buf = append(buf, t[:]...)

		var cc [2]byte
		binary.LittleEndian.PutUint16(cc[:], uint16(len(rec.Columns)))
		buf = append(buf, cc[:]...)

		for i, col := range rec.Columns {
			present := byte(0)
			if rec.SchemaEncoding[i] && col != nil {
				present = 1
			}
			buf = append(buf, present)
			if present == 1 {
				var v [8]byte
				binary.LittleEndian.PutUint64(v[:], uint64(*col))
				buf = append(buf, v[:]...)
			}
		}
	}
	return buf
}

// Unmarshal decodes a page previously produced by Marshal.
func Unmarshal(data []byte) (*Page, error) {
	if len(data) < 8 {
		return nil, errors.New("lpage: truncated header")
	}
	capacity := int(binary.LittleEndian.Uint32(data[0:4]))
	count := int(binary.LittleEndian.Uint32(data[4:8]))
	off := 8

	p := New(capacity)
	p.records = make([]*lrecord.Record, 0, count)

	for i := 0; i < count; i++ {
		var baseRID, rid, indirection string
		var err error

		baseRID, off, err = readString(data, off)
		if err != nil {
			return nil, errors.Wrapf(err, "lpage: record %d base rid", i)
		}
		rid, off, err = readString(data, off)
		if err != nil {
			return nil, errors.Wrapf(err, "lpage: record %d rid", i)
		}
		indirection, off, err = readString(data, off)
		if err != nil {
			return nil, errors.Wrapf(err, "lpage: record %d indirection", i)
		}

		if off+8 > len(data) {
			return nil, errors.Errorf("lpage: record %d truncated start time", i)
		}
		startTime := int64(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8

		if off+2 > len(data) {
			return nil, errors.Errorf("lpage: record %d truncated column count", i)
		}
		colCount := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2

		enc := make([]bool, colCount)
		cols := make([]*int64, colCount)
		for c := 0; c < colCount; c++ {
			if off >= len(data) {
				return nil, errors.Errorf("lpage: record %d column %d truncated presence", i, c)
			}
			present := data[off]
			off++
			if present == 1 {
				if off+8 > len(data) {
					return nil, errors.Errorf("lpage: record %d column %d truncated value", i, c)
				}
				v := int64(binary.LittleEndian.Uint64(data[off : off+8]))
				cols[c] = &v
				off += 8
				enc[c] = true
			}
		}

		p.records = append(p.records, &lrecord.Record{
			BaseRID:        baseRID,
			RID:            rid,
			Indirection:    indirection,
			StartTime:      startTime,
			SchemaEncoding: enc,
			Columns:        cols,
		})
	}
	return p, nil
}

func appendString(buf []byte, s string) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func readString(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", off, errors.New("lpage: truncated string length")
	}
	l := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if off+l > len(data) {
		return "", off, errors.New("lpage: truncated string data")
	}
	return string(data[off : off+l]), off + l, nil
}
