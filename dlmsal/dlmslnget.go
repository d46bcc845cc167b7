package dlmsal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
)

func encodelncosemattr(dst *bytes.Buffer, obj CosemObject, attribute int) {
	dst.WriteByte(byte(obj.ClassId >> 8))
	dst.WriteByte(byte(obj.ClassId))
	dst.Write(obj.Obis.Bytes())
	dst.WriteByte(byte(attribute))
}

// encodeget asks for the next block only when op.Next says so, a plain GET drops any transfer left
// behind by a truncated or timed out read
func (c *LNCodec) encodeget(dst *bytes.Buffer, op *PendingOperation, obj CosemObject, params []byte) error {
	dst.WriteByte(byte(base.TagGetRequest))
	if op.Next {
		b := c.block
		if b == nil || b.objectID != op.ObjectID || b.attribute != op.Attribute {
			return fmt.Errorf("no block transfer pending for object %d attribute %d", op.ObjectID, op.Attribute)
		}
		dst.WriteByte(byte(TagGetRequestNext))
		dst.WriteByte(c.nextinvoke())
		var no [4]byte
		binary.BigEndian.PutUint32(no[:], b.blockno)
		dst.Write(no[:])
		return nil
	}
	c.block = nil
	dst.WriteByte(byte(TagGetRequestNormal))
	dst.WriteByte(c.nextinvoke())
	encodelncosemattr(dst, obj, op.Attribute)
	switch {
	case op.Selector != 0:
		if params == nil {
			return fmt.Errorf("selector %d without access parameters", op.Selector)
		}
		dst.WriteByte(1)
		dst.WriteByte(op.Selector)
		dst.Write(params)
	case params != nil:
		return fmt.Errorf("access parameters without selector")
	default:
		dst.WriteByte(0)
	}
	return nil
}

func darstatus(dar byte) int {
	if dar == 0 {
		return -int(base.TagResultOtherReason)
	}
	return -int(dar)
}

func (c *LNCodec) decodeget(op *PendingOperation, apdu []byte) (*ResponseBlock, error) {
	if len(apdu) < 5 {
		return nil, fmt.Errorf("get response too short")
	}
	if apdu[2]&7 != c.invokeid {
		c.logf("invoke id mismatch, got %d, expected %d", apdu[2]&7, c.invokeid)
	}
	switch GetResponseTag(apdu[1]) {
	case TagGetResponseNormal:
		c.block = nil
		if apdu[3] != 0 {
			return &ResponseBlock{Status: darstatus(apdu[4])}, nil
		}
		fields, err := decodeFields(apdu[4:], op.DataIndex)
		if err != nil {
			return nil, err
		}
		return &ResponseBlock{Fields: fields}, nil
	case TagGetResponseWithDataBlock:
		return c.decodegetblock(op, apdu)
	}
	return nil, fmt.Errorf("unsupported get response type %d", apdu[1])
}

// last(1) blockno(4) choice(1), then raw data as octet string or data access result
func (c *LNCodec) decodegetblock(op *PendingOperation, apdu []byte) (*ResponseBlock, error) {
	if len(apdu) < 10 {
		return nil, fmt.Errorf("get response block too short")
	}
	last := apdu[3] != 0
	blockno := binary.BigEndian.Uint32(apdu[4:8])
	if apdu[8] != 0 {
		c.block = nil
		return &ResponseBlock{Status: darstatus(apdu[9])}, nil
	}
	l, n, err := decodelength(bytes.NewReader(apdu[9:]), &c.tmp)
	if err != nil {
		return nil, fmt.Errorf("invalid block length: %w", err)
	}
	raw := apdu[9+n:]
	if uint(len(raw)) != l {
		return nil, fmt.Errorf("block length mismatch: %d != %d", len(raw), l)
	}

	b := c.block
	if b == nil || blockno == 1 {
		b = &pendingblock{objectID: op.ObjectID, attribute: op.Attribute, decoder: newBlockdecoder(op.DataIndex)}
		c.block = b
	}
	if blockno != b.blockno+1 {
		c.block = nil
		return nil, fmt.Errorf("unexpected block number %d, expected %d", blockno, b.blockno+1)
	}
	b.blockno = blockno
	fields, err := b.decoder.feed(raw)
	if err != nil {
		c.block = nil
		return nil, err
	}
	if !last {
		return &ResponseBlock{Fields: fields, Status: StatusMoreBlocks}, nil
	}
	c.block = nil
	if err = b.decoder.finish(); err != nil {
		return nil, err
	}
	return &ResponseBlock{Fields: fields}, nil
}
