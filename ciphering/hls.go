// Package ciphering computes the authentication values exchanged during association: the calling
// authentication value of the AARQ, f(StoC) sent with reply_to_HLS and the check of the server's f(CtoS).
package ciphering

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/meterkenshin/dlmslink/base"
)

const (
	GCM_TAG_LENGTH = 12
	SC_AUTH        = 0x10 // security control byte, authentication only
	ctosLength     = 16
)

type Settings struct {
	Mechanism         base.Authentication
	Password          []byte // LLS password or HLS secret
	ClientTitle       []byte // 8 bytes, GMAC and SHA-256
	EncryptionKey     []byte // GMAC only
	AuthenticationKey []byte // GMAC only
	CtoS              []byte // generated when empty
	FrameCounter      uint32 // GMAC invocation counter
}

func (s *Settings) Validate() error {
	switch s.Mechanism {
	case base.AuthenticationNone:
		return nil
	case base.AuthenticationLow, base.AuthenticationHighMD5, base.AuthenticationHighSHA1:
		if len(s.Password) == 0 {
			return fmt.Errorf("authentication mechanism %v requires password", s.Mechanism)
		}
	case base.AuthenticationHighSha256:
		if len(s.Password) == 0 {
			return fmt.Errorf("authentication mechanism %v requires password", s.Mechanism)
		}
		if len(s.ClientTitle) != 8 {
			return fmt.Errorf("systitle has to be 8 bytes long")
		}
	case base.AuthenticationHighGmac:
		switch len(s.EncryptionKey) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("EK has to be 16, 24 or 32 bytes long")
		}
		if len(s.AuthenticationKey) == 0 {
			return fmt.Errorf("authentication mechanism %v requires authentication key", s.Mechanism)
		}
		if len(s.ClientTitle) != 8 {
			return fmt.Errorf("systitle has to be 8 bytes long")
		}
	case base.AuthenticationHigh:
		return fmt.Errorf("high authentication not implemented, this is manufacturer specific mostly")
	default:
		return fmt.Errorf("invalid authentication mechanism: %v", s.Mechanism)
	}
	if s.CtoS != nil && (len(s.CtoS) < 8 || len(s.CtoS) > 64) {
		return fmt.Errorf("CtoS has to be 8 to 64 bytes long")
	}
	return nil
}

// Authenticator holds the state of one association attempt. Create a new one for every session.
type Authenticator struct {
	mechanism    base.Authentication
	password     []byte
	systemtitleC []byte
	systemtitleS []byte
	stoc         []byte
	ctos         []byte
	ak           []byte
	gcm          cipher.AEAD
	fc           uint32
}

func New(settings *Settings) (*Authenticator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	a := &Authenticator{
		mechanism:    settings.Mechanism,
		password:     slices.Clone(settings.Password),
		systemtitleC: slices.Clone(settings.ClientTitle),
		ctos:         slices.Clone(settings.CtoS),
		ak:           slices.Clone(settings.AuthenticationKey),
		fc:           settings.FrameCounter,
	}
	if a.mechanism.IsHigh() && len(a.ctos) == 0 {
		a.ctos = make([]byte, ctosLength)
		if _, err := rand.Read(a.ctos); err != nil {
			return nil, fmt.Errorf("unable to generate challenge: %w", err)
		}
	}
	if a.mechanism == base.AuthenticationHighGmac {
		block, err := aes.NewCipher(settings.EncryptionKey)
		if err != nil {
			return nil, err
		}
		a.gcm, err = cipher.NewGCMWithTagSize(block, GCM_TAG_LENGTH)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Authenticator) Mechanism() base.Authentication {
	return a.mechanism
}

// CallingValue is the calling authentication value carried in the AARQ: the password for low level
// security, the client challenge for HLS, nil without authentication.
func (a *Authenticator) CallingValue() []byte {
	switch {
	case a.mechanism == base.AuthenticationLow:
		return a.password
	case a.mechanism.IsHigh():
		return a.ctos
	}
	return nil
}

func (a *Authenticator) ClientTitle() []byte {
	return a.systemtitleC
}

// Setup stores what the AARE brought: server system title (optional except for GMAC and SHA-256) and StoC.
func (a *Authenticator) Setup(systemtitleS []byte, stoc []byte) error {
	switch a.mechanism {
	case base.AuthenticationHighGmac, base.AuthenticationHighSha256:
		if len(systemtitleS) != 8 {
			return fmt.Errorf("server systitle has to be 8 bytes long")
		}
	}
	if a.mechanism.IsHigh() && len(stoc) == 0 {
		return fmt.Errorf("no server challenge received")
	}
	a.systemtitleS = slices.Clone(systemtitleS)
	a.stoc = slices.Clone(stoc)
	return nil
}

// Respond computes f(StoC).
func (a *Authenticator) Respond() ([]byte, error) {
	var hashbuf bytes.Buffer
	switch a.mechanism {
	case base.AuthenticationHighMD5:
		hashbuf.Write(a.stoc)
		hashbuf.Write(a.password)
		h := md5.Sum(hashbuf.Bytes())
		return h[:], nil
	case base.AuthenticationHighSHA1:
		hashbuf.Write(a.stoc)
		hashbuf.Write(a.password)
		h := sha1.Sum(hashbuf.Bytes())
		return h[:], nil
	case base.AuthenticationHighGmac:
		fc := a.fc
		a.fc++
		return a.gmac(a.systemtitleC, fc, a.stoc), nil
	case base.AuthenticationHighSha256:
		hashbuf.Write(a.password)
		hashbuf.Write(a.systemtitleC)
		hashbuf.Write(a.systemtitleS)
		hashbuf.Write(a.stoc)
		hashbuf.Write(a.ctos)
		h := sha256.Sum256(hashbuf.Bytes())
		return h[:], nil
	}
	return nil, fmt.Errorf("unsupported authentication mechanism: %v", a.mechanism)
}

// Verify checks the server's f(CtoS).
func (a *Authenticator) Verify(hash []byte) (bool, error) {
	var hashbuf bytes.Buffer
	switch a.mechanism {
	case base.AuthenticationHighMD5:
		hashbuf.Write(a.ctos)
		hashbuf.Write(a.password)
		h := md5.Sum(hashbuf.Bytes())
		return bytes.Equal(hash, h[:]), nil
	case base.AuthenticationHighSHA1:
		hashbuf.Write(a.ctos)
		hashbuf.Write(a.password)
		h := sha1.Sum(hashbuf.Bytes())
		return bytes.Equal(hash, h[:]), nil
	case base.AuthenticationHighGmac:
		if len(hash) != 5+GCM_TAG_LENGTH || hash[0] != SC_AUTH {
			return false, nil
		}
		fc := binary.BigEndian.Uint32(hash[1:])
		return bytes.Equal(hash, a.gmac(a.systemtitleS, fc, a.ctos)), nil
	case base.AuthenticationHighSha256:
		hashbuf.Write(a.password)
		hashbuf.Write(a.systemtitleS)
		hashbuf.Write(a.systemtitleC)
		hashbuf.Write(a.ctos)
		hashbuf.Write(a.stoc)
		h := sha256.Sum256(hashbuf.Bytes())
		return bytes.Equal(hash, h[:]), nil
	}
	return false, fmt.Errorf("unsupported authentication mechanism: %v", a.mechanism)
}

// SC || FC || GMAC(SC || AK || challenge)
func (a *Authenticator) gmac(systemtitle []byte, fc uint32, challenge []byte) []byte {
	var iv [12]byte
	copy(iv[:], systemtitle)
	binary.BigEndian.PutUint32(iv[8:], fc)

	aad := make([]byte, 0, 1+len(a.ak)+len(challenge))
	aad = append(aad, SC_AUTH)
	aad = append(aad, a.ak...)
	aad = append(aad, challenge...)

	ret := make([]byte, 5, 5+GCM_TAG_LENGTH)
	ret[0] = SC_AUTH
	binary.BigEndian.PutUint32(ret[1:], fc)
	return a.gcm.Seal(ret, iv[:], nil, aad)
}
