package dlmsal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
	"github.com/meterkenshin/dlmslink/ciphering"
)

var (
	applicationContextPrefix = []byte{0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01}
	mechanismNamePrefix      = []byte{0x60, 0x85, 0x74, 0x05, 0x08, 0x02}
)

type initiateResponse struct {
	negotiatedQualityOfService byte
	negotiatedConformance      uint32
	serverMaxReceivePduSize    uint16
	vaAddress                  int16
}

type confirmedServiceError struct {
	service byte
	kind    byte
	value   byte
}

type aaretag struct {
	tag  byte
	data []byte
}

type aaResponse struct {
	applicationContext base.ApplicationContext
	result             base.AssociationResult
	diagnostic         base.SourceDiagnostic
	systemTitle        []byte
	stoc               []byte
	initiate           *initiateResponse
	serviceError       *confirmedServiceError
}

// encodeaarq returns the AARQ and a copy with the authentication value zeroed for logging
func encodeaarq(auth *ciphering.Authenticator, conformance uint32, maxPduRecvSize uint16) (out []byte, outnosec []byte) {
	var content bytes.Buffer
	mech := auth.Mechanism()

	content.WriteByte(base.BERTypeContext | base.BERTypeConstructed | base.PduTypeApplicationContextName)
	content.WriteByte(byte(len(applicationContextPrefix) + 1))
	content.Write(applicationContextPrefix)
	content.WriteByte(byte(base.ApplicationContextLNNoCiphering))

	if mech == base.AuthenticationHighGmac {
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeCallingAPTitle, 0x04, auth.ClientTitle())
	}
	st, en := content.Len(), content.Len()
	if mech != base.AuthenticationNone {
		encodetag(&content, base.BERTypeContext|base.PduTypeSenderAcseRequirements, []byte{0x07, 0x80})
		content.WriteByte(base.BERTypeContext | base.PduTypeMechanismName)
		content.WriteByte(byte(len(mechanismNamePrefix) + 1))
		content.Write(mechanismNamePrefix)
		content.WriteByte(byte(mech))
		st = content.Len()
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeCallingAuthenticationValue, 0x80, auth.CallingValue())
		en = content.Len()
	}

	// xDLMS initiate request: no dedicated key, response allowed, no qos
	xdlms := make([]byte, 14)
	xdlms[0] = byte(base.TagInitiateRequest)
	xdlms[4] = base.DlmsVersion
	copy(xdlms[5:], []byte{0x5f, 0x1f, 0x04})
	binary.BigEndian.PutUint32(xdlms[8:], conformance&0xffffff)
	binary.BigEndian.PutUint16(xdlms[12:], maxPduRecvSize)
	encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeUserInformation, 0x04, xdlms)

	var buf bytes.Buffer
	encodetag(&buf, byte(base.TagAARQ), content.Bytes())
	out = buf.Bytes()
	hdr := len(out) - content.Len()
	outnosec = bytes.Clone(out)
	clear(outnosec[hdr+st : hdr+en])
	return
}

func decodeaare(src []byte, tmp *tmpbuffer) ([]aaretag, error) {
	ret := make([]aaretag, 0, 10)
	for len(src) > 0 {
		tag, l, data, err := decodetag(src, tmp)
		if err != nil {
			return nil, err
		}
		ret = append(ret, aaretag{tag: tag, data: data})
		src = src[l:]
	}
	return ret, nil
}

func parseaare(apdu []byte, tmp *tmpbuffer) (*aaResponse, error) {
	tag, _, data, err := decodetag(apdu, tmp)
	if err != nil {
		return nil, fmt.Errorf("unable to parse aare: %w", err)
	}
	if tag != byte(base.TagAARE) {
		return nil, fmt.Errorf("unexpected tag: 0x%02x", tag)
	}
	tags, err := decodeaare(data, tmp)
	if err != nil {
		return nil, fmt.Errorf("unable to parse aare: %w", err)
	}
	res := &aaResponse{result: 0xff}
	for _, dt := range tags {
		switch dt.tag {
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeApplicationContextName: // 0xa1
			if len(dt.data) != 9 || !bytes.Equal(dt.data[:8], applicationContextPrefix) {
				return nil, fmt.Errorf("invalid A1 tag content")
			}
			res.applicationContext = base.ApplicationContext(dt.data[8])
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCalledAPTitle: // 0xa2
			if len(dt.data) != 3 || dt.data[0] != 0x02 || dt.data[1] != 0x01 {
				return nil, fmt.Errorf("invalid A2 tag content")
			}
			res.result = base.AssociationResult(dt.data[2])
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCalledAEQualifier: // 0xa3
			if len(dt.data) != 5 || !bytes.Equal(dt.data[1:4], []byte{0x03, 0x02, 0x01}) {
				return nil, fmt.Errorf("invalid A3 tag content")
			}
			res.diagnostic = base.SourceDiagnostic(dt.data[4])
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCalledAPInvocationID: // 0xa4
			if res.systemTitle, err = parseinner(dt, 0x04, tmp); err != nil {
				return nil, err
			}
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeSenderAcseRequirements: // 0xaa
			if res.stoc, err = parseinner(dt, 0x80, tmp); err != nil {
				return nil, err
			}
		case base.BERTypeContext | base.BERTypeConstructed | base.PduTypeUserInformation: // 0xbe
			ui, err := parseinner(dt, 0x04, tmp)
			if err != nil {
				return nil, err
			}
			if err = res.parseUserInformation(ui); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

func parseinner(t aaretag, want byte, tmp *tmpbuffer) ([]byte, error) {
	tag, _, d, err := decodetag(t.data, tmp)
	if err != nil {
		return nil, err
	}
	if tag != want {
		return nil, fmt.Errorf("invalid %02X tag content", t.tag)
	}
	return bytes.Clone(d), nil
}

func (r *aaResponse) parseUserInformation(d []byte) error {
	if len(d) == 0 {
		return fmt.Errorf("empty user information")
	}
	switch base.CosemTag(d[0]) {
	case base.TagInitiateResponse:
		ir, err := decodeInitiateResponse(d[1:])
		if err != nil {
			return err
		}
		r.initiate = &ir
	case base.TagConfirmedServiceError:
		if len(d) < 4 {
			return fmt.Errorf("invalid service error length")
		}
		r.serviceError = &confirmedServiceError{service: d[1], kind: d[2], value: d[3]}
	default:
		return fmt.Errorf("unexpected user information tag %02x", d[0])
	}
	return nil
}

// negotiated qos flag, version, conformance bit string, max pdu size, vaa name
func decodeInitiateResponse(src []byte) (out initiateResponse, err error) {
	if len(src) > 1 && src[0] == 0x01 {
		out.negotiatedQualityOfService = src[1]
		src = src[2:]
	} else if len(src) > 0 {
		src = src[1:]
	}
	if len(src) < 10 {
		return out, fmt.Errorf("invalid initiate response length")
	}
	if src[0] != base.DlmsVersion {
		return out, fmt.Errorf("wrong dlms version %d", src[0])
	}
	if !bytes.Equal(src[1:5], []byte{0x5f, 0x1f, 0x04, 0x00}) {
		return out, fmt.Errorf("invalid initiate response content")
	}
	out.negotiatedConformance = binary.BigEndian.Uint32(src[4:8])
	out.serverMaxReceivePduSize = binary.BigEndian.Uint16(src[8:10])
	if len(src) >= 12 { // some meters leave the vaa name out
		out.vaAddress = int16(binary.BigEndian.Uint16(src[10:12]))
	}
	return
}
