package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
)

func (c *LNCodec) encodeset(dst *bytes.Buffer, op *PendingOperation, obj CosemObject, params []byte) error {
	if params == nil {
		return fmt.Errorf("nothing to set")
	}
	dst.WriteByte(byte(base.TagSetRequest))
	dst.WriteByte(byte(TagSetRequestNormal))
	dst.WriteByte(c.nextinvoke())
	encodelncosemattr(dst, obj, op.Attribute)
	dst.WriteByte(0) // no selective access
	dst.Write(params)
	return nil
}

func decodeset(apdu []byte) (*ResponseBlock, error) {
	if len(apdu) < 4 {
		return nil, fmt.Errorf("set response too short")
	}
	if SetResponseTag(apdu[1]) != TagSetResponseNormal {
		return nil, fmt.Errorf("unsupported set response type %d", apdu[1])
	}
	return &ResponseBlock{Fields: []string{KindSet.String(), resultfield(base.DlmsResultTag(apdu[3]))}}, nil
}
