package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)

	tsLen = 8
)

var pads = make([]byte, encGroupSize)

// EncodeCellKey encodes the address of one cell version. Every component is memcomparable, so encoded keys sort
// by row, family and qualifier (ascending) and then by timestamp (descending).
func EncodeCellKey(row, family, qualifier []byte, ts uint64) []byte {
	return AppendTs(EncodeColumnPrefix(row, family, qualifier), ts)
}

// EncodeColumnPrefix returns the prefix shared by every version of one column.
func EncodeColumnPrefix(row, family, qualifier []byte) []byte {
	buf := make([]byte, 0, encodedLen(row)+encodedLen(family)+encodedLen(qualifier)+tsLen)
	buf = appendBytes(buf, row)
	buf = appendBytes(buf, family)
	return appendBytes(buf, qualifier)
}

// EncodeRowPrefix returns the prefix shared by every cell of one row.
func EncodeRowPrefix(row []byte) []byte {
	return EncodeBytes(row)
}

// DecodeCellKey is the inverse of EncodeCellKey.
func DecodeCellKey(key []byte) (row, family, qualifier []byte, ts uint64, err error) {
	left := key
	if left, row, err = DecodeBytes(left); err != nil {
		return
	}
	if left, family, err = DecodeBytes(left); err != nil {
		return
	}
	if left, qualifier, err = DecodeBytes(left); err != nil {
		return
	}
	if len(left) != tsLen {
		err = errors.Errorf("invalid cell key, %d trailing bytes", len(left))
		return
	}
	ts = ^binary.BigEndian.Uint64(left)
	return
}

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//  [group1][marker1]...[groupN][markerN]
//  group is 8 bytes slice which is padding with 0.
//  marker is `0xFF - padding 0 count`
// For example:
//   [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//   [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//   [1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
//   [1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
// Refer: https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format
func EncodeBytes(data []byte) []byte {
	return appendBytes(make([]byte, 0, encodedLen(data)+tsLen), data)
}

func encodedLen(data []byte) int {
	return (len(data)/encGroupSize + 1) * (encGroupSize + 1)
}

func appendBytes(result, data []byte) []byte {
	dLen := len(data)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}
		result = append(result, encMarker-byte(padCount))
	}
	return result
}

// AppendTs appends the timestamp to encoded key, Note we invert the timestamp so that when sorted, they are in descending order.
func AppendTs(encodedKey []byte, ts uint64) []byte {
	newKey := append(encodedKey, make([]byte, tsLen)...)
	binary.BigEndian.PutUint64(newKey[len(newKey)-tsLen:], ^ts)
	return newKey
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]

		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}

// EncodeUint64 encodes v so that byte order matches numeric order.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 is the inverse of EncodeUint64.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, errors.Errorf("insufficient bytes to decode uint64, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
