// Package dlmsal implements a DLMS/COSEM client session over an asynchronous gateway.
//
// The gateway delivers received frames from its own goroutine, the Client turns them into
// bounded waits for a strictly sequential protocol: association (open, session, challenge, confirm),
// single GET/SET/ACTION exchanges and block transfers assembled from many answers.
//
// Byte level work is done by a Codec, LNCodec covers logical name referencing over HDLC or
// wrapper framing with no, low or high level (MD5, SHA1, SHA256, GMAC) authentication.
//
// Basic usage:
//
//	codec, _ := dlmsal.NewCodec(&dlmsal.CodecSettings{
//		Framing: dlmsal.FramingHDLC,
//		HDLC:    hdlc.Settings{Logical: 1, Client: 0x10, MaxRcv: 256, MaxSnd: 256},
//		Auth:    ciphering.Settings{Mechanism: base.AuthenticationLow, Password: []byte("12345678")},
//	})
//	client := dlmsal.New(directserial.New(base.DefaultSerialSettings("/dev/ttyUSB0"), hdlc.NewSplitter()), codec, nil)
//	_ = client.Connect(ctx)
//	_ = client.Establish(ctx)
//	res, err := client.ReadAll(ctx, &dlmsal.PendingOperation{Kind: dlmsal.KindGet, ObjectID: dlmsal.ObjectLoadProfile, Attribute: 2})
//	_ = client.Close()
//
// A Client is not safe for concurrent use, one operation is in flight at a time.
package dlmsal
