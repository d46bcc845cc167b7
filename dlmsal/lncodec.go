package dlmsal

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/meterkenshin/dlmslink/base"
	"github.com/meterkenshin/dlmslink/ciphering"
	"github.com/meterkenshin/dlmslink/hdlc"
	"github.com/meterkenshin/dlmslink/llc"
	"github.com/meterkenshin/dlmslink/wrapper"
	"go.uber.org/zap"
)

type Framing string

const (
	FramingHDLC    Framing = "hdlc"
	FramingWrapper Framing = "wrapper"
)

const (
	DefaultConformance = base.ConformanceBlockGet | base.ConformanceBlockSet | base.ConformanceBlockAction |
		base.ConformanceBlockSelectiveAccess | base.ConformanceBlockBlockTransferWithGetOrRead
	DefaultMaxPduRecvSize = 0xffff
)

var (
	associationLNClass  uint16 = 15
	associationLNObject        = DlmsObis{A: 0, B: 0, C: 40, D: 0, E: 0, F: 255}
)

type CodecSettings struct {
	Framing            Framing
	HDLC               hdlc.Settings
	WrapperSource      uint16
	WrapperDestination uint16
	Auth               ciphering.Settings
	ConformanceBlock   uint32   // DefaultConformance when zero
	MaxPduRecvSize     uint16   // DefaultMaxPduRecvSize when zero
	NormalPriority     bool     // service class stays confirmed, only the priority bit is cleared
	EmptyRLRQ          bool     // some meters refuse the release reason
	Objects            Registry // DefaultRegistry when nil
}

type pendingblock struct {
	objectID  int
	attribute int
	blockno   uint32
	decoder   *blockdecoder
}

// LNCodec encodes logical name referencing APDUs into HDLC or wrapper frames. It keeps the
// link and association state of one session, so use one codec per Client.
type LNCodec struct {
	settings   CodecSettings
	objects    Registry
	logger     *zap.SugaredLogger
	link       *hdlc.Link
	wrap       *wrapper.Wrapper
	auth       *ciphering.Authenticator
	invokeid   byte
	invokebyte byte
	maxPduSend int
	segments   bytes.Buffer
	block      *pendingblock
	tmp        tmpbuffer
}

func NewCodec(settings *CodecSettings) (*LNCodec, error) {
	if err := settings.Auth.Validate(); err != nil {
		return nil, err
	}
	c := &LNCodec{settings: *settings, objects: settings.Objects, invokebyte: 0x40 | 0x80}
	if c.objects == nil {
		c.objects = DefaultRegistry()
	}
	if c.settings.ConformanceBlock == 0 {
		c.settings.ConformanceBlock = DefaultConformance
	}
	if c.settings.MaxPduRecvSize == 0 {
		c.settings.MaxPduRecvSize = DefaultMaxPduRecvSize
	}
	if settings.NormalPriority {
		c.invokebyte = 0x40
	}
	switch settings.Framing {
	case FramingHDLC, "":
		c.settings.Framing = FramingHDLC
		l, err := hdlc.New(&settings.HDLC)
		if err != nil {
			return nil, err
		}
		c.link = l
	case FramingWrapper:
		c.wrap = wrapper.New(settings.WrapperSource, settings.WrapperDestination)
	default:
		return nil, fmt.Errorf("unknown framing %q", settings.Framing)
	}
	return c, nil
}

func (c *LNCodec) SetLogger(logger *zap.SugaredLogger) {
	c.logger = logger
	if c.link != nil {
		c.link.SetLogger(logger)
	}
	if c.wrap != nil {
		c.wrap.SetLogger(logger)
	}
}

func (c *LNCodec) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

func (c *LNCodec) dlogf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, v...)
	}
}

func (c *LNCodec) frame(apdu []byte) ([]byte, error) {
	if c.link != nil {
		return c.link.Information(llc.Wrap(apdu))
	}
	return c.wrap.Encode(apdu)
}

// unframe returns the APDU, or segmented=true when the HDLC frame was only a part of it
func (c *LNCodec) unframe(raw []byte) (apdu []byte, segmented bool, err error) {
	if c.link == nil {
		apdu, err = c.wrap.Decode(raw)
		return
	}
	f, err := c.link.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	if !f.IsI() {
		return nil, false, fmt.Errorf("unexpected frame, control %02x", f.Control)
	}
	c.segments.Write(f.Info)
	if f.Segmented {
		return nil, true, nil
	}
	info := bytes.Clone(c.segments.Bytes())
	c.segments.Reset()
	apdu, err = llc.Unwrap(info)
	return
}

func (c *LNCodec) nextinvoke() byte {
	c.invokeid = (c.invokeid + 1) & 7
	return c.invokeid | c.invokebyte
}

func (c *LNCodec) EncodeOpen() ([]byte, error) {
	c.segments.Reset()
	c.block = nil
	c.auth = nil
	c.maxPduSend = 0
	if c.link == nil {
		return nil, nil
	}
	return c.link.Snrm()
}

func (c *LNCodec) Session(openAck []byte) ([]byte, error) {
	if c.link != nil {
		if err := c.link.ParseUA(openAck); err != nil {
			return nil, fmt.Errorf("link not opened: %w", err)
		}
		rcv, snd := c.link.MaxInfo()
		c.dlogf("hdlc max info rcv %d snd %d", rcv, snd)
	}
	auth, err := ciphering.New(&c.settings.Auth)
	if err != nil {
		return nil, err
	}
	c.auth = auth
	aarq, nosec := encodeaarq(auth, c.settings.ConformanceBlock, c.settings.MaxPduRecvSize)
	c.dlogf("%s", base.LogHex("AARQ (sec values zeroed)", nosec))
	return c.frame(aarq)
}

func (c *LNCodec) Challenge(sessionAck []byte) ([]byte, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("no association requested")
	}
	apdu, seg, err := c.unframe(sessionAck)
	if err != nil {
		return nil, err
	}
	if seg {
		return nil, fmt.Errorf("segmented AARE not supported")
	}
	c.dlogf("%s", base.LogHex("AARE", apdu))
	res, err := parseaare(apdu, &c.tmp)
	if err != nil {
		return nil, err
	}
	if res.result != base.AssociationResultAccepted {
		return nil, fmt.Errorf("association %v: %v", res.result, res.diagnostic)
	}
	if res.serviceError != nil {
		return nil, fmt.Errorf("confirmed service error %d/%d/%d", res.serviceError.service, res.serviceError.kind, res.serviceError.value)
	}
	if res.applicationContext != base.ApplicationContextLNNoCiphering {
		return nil, fmt.Errorf("application contextes differ: %v != %v", res.applicationContext, base.ApplicationContextLNNoCiphering)
	}
	if res.initiate == nil {
		return nil, fmt.Errorf("no initiate response")
	}
	c.maxPduSend = int(res.initiate.serverMaxReceivePduSize)
	c.logf("max pdu size: %v, conformance %06x", c.maxPduSend, res.initiate.negotiatedConformance)

	if !c.auth.Mechanism().IsHigh() {
		if res.diagnostic != base.SourceDiagnosticNone {
			return nil, fmt.Errorf("invalid source diagnostic: %v", res.diagnostic)
		}
		return nil, nil
	}
	if res.diagnostic != base.SourceDiagnosticAuthenticationRequired {
		return nil, fmt.Errorf("expected authentication required, got %v", res.diagnostic)
	}
	if err = c.auth.Setup(res.systemTitle, res.stoc); err != nil {
		return nil, err
	}
	fstoc, err := c.auth.Respond()
	if err != nil {
		return nil, err
	}
	var pdu bytes.Buffer
	pdu.WriteByte(byte(base.TagActionRequest))
	pdu.WriteByte(byte(TagActionRequestNormal))
	pdu.WriteByte(c.nextinvoke())
	encodelncosemattr(&pdu, CosemObject{ClassId: associationLNClass, Obis: associationLNObject}, 1)
	pdu.WriteByte(1)
	if err = encodeData(&pdu, &DlmsData{Tag: TagOctetString, Value: fstoc}); err != nil {
		return nil, err
	}
	return c.frame(pdu.Bytes())
}

func (c *LNCodec) Confirm(challengeAck []byte) error {
	apdu, seg, err := c.unframe(challengeAck)
	if err != nil {
		return err
	}
	if seg {
		return fmt.Errorf("segmented reply_to_HLS answer not supported")
	}
	ar, err := decodeActionResponse(apdu)
	if err != nil {
		return err
	}
	if ar.result != base.TagResultSuccess {
		return fmt.Errorf("reply_to_HLS refused: %v", ar.result)
	}
	if ar.data == nil || ar.data.Tag != TagOctetString {
		return fmt.Errorf("no server challenge answer")
	}
	ok, err := c.auth.Verify(ar.data.Value.([]byte))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("server authentication failed")
	}
	return nil
}

func parameters(op *PendingOperation) ([]byte, error) {
	p := strings.TrimSpace(op.Parameters)
	if p == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(p)
	if err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if _, err = DecodeData(b); err != nil {
		return nil, fmt.Errorf("parameters are not a single value: %w", err)
	}
	return b, nil
}

func (c *LNCodec) EncodeRequest(op *PendingOperation) ([]byte, error) {
	obj, err := c.objects.Lookup(op.ObjectID)
	if err != nil {
		return nil, err
	}
	if op.Attribute < -128 || op.Attribute > 255 {
		return nil, fmt.Errorf("attribute %d out of range", op.Attribute)
	}
	params, err := parameters(op)
	if err != nil {
		return nil, err
	}
	// segments of an answer that never completed belong to the previous request
	c.segments.Reset()
	var pdu bytes.Buffer
	switch op.Kind {
	case KindGet:
		err = c.encodeget(&pdu, op, obj, params)
	case KindSet:
		c.block = nil
		err = c.encodeset(&pdu, op, obj, params)
	case KindAction:
		c.block = nil
		err = c.encodeaction(&pdu, op, obj, params)
	default:
		err = fmt.Errorf("unknown operation kind %v", op.Kind)
	}
	if err != nil {
		return nil, err
	}
	if c.maxPduSend > 0 && pdu.Len() > c.maxPduSend {
		return nil, fmt.Errorf("request too long: %d > %d", pdu.Len(), c.maxPduSend)
	}
	return c.frame(pdu.Bytes())
}

func resultfield(r base.DlmsResultTag) string {
	return fmt.Sprintf("%s (%d)", r, byte(r))
}

func (c *LNCodec) DecodeResponse(op *PendingOperation, raw []byte) (*ResponseBlock, error) {
	apdu, seg, err := c.unframe(raw)
	if err != nil {
		return nil, err
	}
	if seg {
		return &ResponseBlock{Segmented: true}, nil
	}
	if len(apdu) == 0 {
		return nil, fmt.Errorf("empty apdu")
	}
	tag := base.CosemTag(apdu[0])
	if tag == base.TagExceptionResponse {
		c.block = nil
		code, desc := decodeException(apdu)
		c.logf("exception response: %s", desc)
		return &ResponseBlock{Status: -code}, nil
	}
	switch op.Kind {
	case KindGet:
		if tag == base.TagGetResponse {
			return c.decodeget(op, apdu)
		}
	case KindSet:
		if tag == base.TagSetResponse {
			return decodeset(apdu)
		}
	case KindAction:
		if tag == base.TagActionResponse {
			ar, err := decodeActionResponse(apdu)
			if err != nil {
				return nil, err
			}
			return ar.block(), nil
		}
	}
	return nil, fmt.Errorf("unexpected tag %02x for %v", apdu[0], op.Kind)
}

func (c *LNCodec) EncodeAck() ([]byte, error) {
	if c.link == nil {
		return nil, fmt.Errorf("no acknowledgement in wrapper framing")
	}
	return c.link.ReceiveReady()
}

func (c *LNCodec) EncodeRelease() ([]byte, error) {
	c.block = nil
	return c.frame(encodeRLRQ(c.settings.EmptyRLRQ))
}

func (c *LNCodec) Released(raw []byte) error {
	apdu, seg, err := c.unframe(raw)
	if err != nil {
		return err
	}
	if seg {
		return fmt.Errorf("segmented release response")
	}
	return decodeRLRE(apdu)
}

func (c *LNCodec) EncodeClose() ([]byte, error) {
	if c.link == nil {
		return nil, nil
	}
	return c.link.Disconnect()
}

func (c *LNCodec) Closed(raw []byte) error {
	if c.link == nil {
		return nil
	}
	f, err := c.link.Decode(raw)
	if err != nil {
		return err
	}
	if !f.IsUA() && !f.IsDM() {
		return fmt.Errorf("unexpected disconnect answer, control %02x", f.Control)
	}
	return nil
}
