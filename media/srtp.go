// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/srtp/v2"
)

// SRTPPolicy decides how SDES keys are offered and required
type SRTPPolicy int

const (
	SRTPDisabled SRTPPolicy = iota
	// SRTPOptional offers crypto but accepts plain RTP answer
	SRTPOptional
	// SRTPRequired rejects sessions without crypto
	SRTPRequired
)

const (
	srtpAes128CmHmacSha1_80 = "AES_CM_128_HMAC_SHA1_80"

	srtpMasterKeyLen  = 16
	srtpMasterSaltLen = 14
)

var (
	ErrSRTPRequired    = errors.New("remote did not offer SRTP")
	ErrSRTPUnsupported = errors.New("unsupported SRTP crypto suite")
)

// SRTPKeys is single SDES crypto line. RFC 4568
type SRTPKeys struct {
	Tag     int
	Profile srtp.ProtectionProfile
	Key     []byte
	Salt    []byte
}

// NewSRTPKeys generates random master key and salt
func NewSRTPKeys() (SRTPKeys, error) {
	keys := SRTPKeys{
		Tag:     1,
		Profile: srtp.ProtectionProfileAes128CmHmacSha1_80,
		Key:     make([]byte, srtpMasterKeyLen),
		Salt:    make([]byte, srtpMasterSaltLen),
	}
	if _, err := rand.Read(keys.Key); err != nil {
		return keys, err
	}
	if _, err := rand.Read(keys.Salt); err != nil {
		return keys, err
	}
	return keys, nil
}

// Attribute returns value of a=crypto
func (k SRTPKeys) Attribute() string {
	inline := base64.StdEncoding.EncodeToString(append(append([]byte{}, k.Key...), k.Salt...))
	return fmt.Sprintf("%d %s inline:%s", k.Tag, srtpProfileString(k.Profile), inline)
}

func (k SRTPKeys) context() (*srtp.Context, error) {
	return srtp.CreateContext(k.Key, k.Salt, k.Profile)
}

// ParseSRTPCrypto parses value of a=crypto attribute
func ParseSRTPCrypto(value string) (SRTPKeys, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return SRTPKeys{}, fmt.Errorf("bad crypto attribute %q", value)
	}

	tag, err := strconv.Atoi(fields[0])
	if err != nil {
		return SRTPKeys{}, fmt.Errorf("bad crypto tag %q: %w", fields[0], err)
	}

	profile, ok := srtpProfileParse(fields[1])
	if !ok {
		return SRTPKeys{}, fmt.Errorf("%w: %s", ErrSRTPUnsupported, fields[1])
	}

	keyParams, found := strings.CutPrefix(fields[2], "inline:")
	if !found {
		return SRTPKeys{}, fmt.Errorf("bad crypto key params %q", fields[2])
	}
	// Lifetime and MKI are optional after |
	keyParams, _, _ = strings.Cut(keyParams, "|")
	raw, err := base64.StdEncoding.DecodeString(keyParams)
	if err != nil {
		return SRTPKeys{}, fmt.Errorf("bad crypto key encoding: %w", err)
	}
	if len(raw) != srtpMasterKeyLen+srtpMasterSaltLen {
		return SRTPKeys{}, fmt.Errorf("bad crypto key length %d", len(raw))
	}

	return SRTPKeys{
		Tag:     tag,
		Profile: profile,
		Key:     raw[:srtpMasterKeyLen],
		Salt:    raw[srtpMasterKeyLen:],
	}, nil
}

func srtpProfileString(p srtp.ProtectionProfile) string {
	switch p {
	case srtp.ProtectionProfileAes128CmHmacSha1_80:
		return srtpAes128CmHmacSha1_80
	}
	return "UNKNOWN"
}

func srtpProfileParse(alg string) (srtp.ProtectionProfile, bool) {
	switch alg {
	case srtpAes128CmHmacSha1_80:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, true
	}
	return 0, false
}
