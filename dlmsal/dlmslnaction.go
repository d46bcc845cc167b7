package dlmsal

import (
	"bytes"
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
)

func (c *LNCodec) encodeaction(dst *bytes.Buffer, op *PendingOperation, obj CosemObject, params []byte) error {
	dst.WriteByte(byte(base.TagActionRequest))
	dst.WriteByte(byte(TagActionRequestNormal))
	dst.WriteByte(c.nextinvoke())
	encodelncosemattr(dst, obj, op.Attribute)
	if params == nil {
		dst.WriteByte(0)
		return nil
	}
	dst.WriteByte(1)
	dst.Write(params)
	return nil
}

type actionResponse struct {
	result base.DlmsResultTag
	dar    base.DlmsResultTag
	hasdar bool
	data   *DlmsData
}

// C7 01 invoke result [00 | 01 (00 data | 01 dar)]
func decodeActionResponse(apdu []byte) (*actionResponse, error) {
	if len(apdu) < 4 || apdu[0] != byte(base.TagActionResponse) {
		return nil, fmt.Errorf("invalid action response")
	}
	if ActionResponseTag(apdu[1]) != TagActionResponseNormal {
		return nil, fmt.Errorf("unsupported action response type %d", apdu[1])
	}
	ar := &actionResponse{result: base.DlmsResultTag(apdu[3])}
	rest := apdu[4:]
	if len(rest) == 0 || rest[0] == 0 {
		return ar, nil
	}
	if len(rest) < 3 {
		return nil, fmt.Errorf("action return parameters too short")
	}
	switch rest[1] {
	case 0:
		d, err := DecodeData(rest[2:])
		if err != nil {
			return nil, fmt.Errorf("unable to decode action return data: %w", err)
		}
		ar.data = &d
	case 1:
		ar.hasdar = true
		ar.dar = base.DlmsResultTag(rest[2])
	default:
		return nil, fmt.Errorf("invalid action return parameters choice %d", rest[1])
	}
	return ar, nil
}

func (ar *actionResponse) block() *ResponseBlock {
	fields := []string{KindAction.String(), resultfield(ar.result)}
	if ar.hasdar {
		fields = append(fields, resultfield(ar.dar))
	}
	if ar.data != nil {
		fields = RenderData(fields, ar.data)
	}
	return &ResponseBlock{Fields: fields}
}
