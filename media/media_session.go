// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/srtp/v2"
	"github.com/rs/zerolog/log"
)

const (
	ModeSendrecv = "sendrecv"
	ModeSendonly = "sendonly"
	ModeRecvonly = "recvonly"
	ModeInactive = "inactive"
)

var (
	// RTPPortStart and RTPPortEnd allows defining rtp port range for media
	RTPPortStart  = 0
	RTPPortEnd    = 0
	rtpPortOffset = atomic.Int32{}

	// When reading RTP use at least MTU size. Increase this
	RTPBufSize = 1500

	RTPDebug = false

	// ErrNoCommonCodec is returned when remote SDP has no audio codec we support
	ErrNoCommonCodec = errors.New("no common codec")
)

func logRTPRead(m *MediaSession, raddr net.Addr, p *rtp.Packet) {
	if RTPDebug {
		log.Debug().Msgf("RTP read %s < %s:\n%s", m.Laddr.String(), raddr.String(), p.String())
	}
}

func logRTPWrite(m *MediaSession, p *rtp.Packet) {
	if RTPDebug {
		log.Debug().Msgf("RTP write %s > %s:\n%s", m.Laddr.String(), m.Raddr.String(), p.String())
	}
}

// MediaSession represents single audio RTP session Laddr <-> Raddr
// with SDP offer/answer and optional SDES-SRTP.
//
// NOTE: Not thread safe until SDP negotiation is done.
// After that ReadRTP and WriteRTP can be used from different goroutines.
type MediaSession struct {
	// Codecs before negotiation are local offered codecs.
	// After RemoteSDP only common codecs are left, in remote order.
	Codecs []Codec
	// Mode is sdp direction attribute. Check consts ModeSendrecv etc...
	Mode string
	// Laddr our local address which has full IP and port after media session creation
	Laddr net.UDPAddr
	// Raddr is our target remote address. Normally it is resolved by SDP parsing.
	Raddr net.UDPAddr
	// ExternalIP that should be used for building SDP
	ExternalIP net.IP
	// SRTP decides crypto offer and requirement
	SRTP SRTPPolicy

	rtpConn net.PacketConn

	negotiated bool
	remoteSAVP bool
	localKeys  SRTPKeys
	srtpActive bool
	encCtx     *srtp.Context
	decCtx     *srtp.Context
}

func NewMediaSession(ip net.IP, port int) (s *MediaSession, e error) {
	s = &MediaSession{
		Codecs: []Codec{
			CodecAudioUlaw, CodecAudioAlaw, CodecTelephoneEvent8000,
		},
		Mode: ModeSendrecv,
	}
	s.Laddr.IP = ip
	s.Laddr.Port = port

	return s, s.Init()
}

// Init should be called if session is created manually
// Use NewMediaSession for default building
func (s *MediaSession) Init() error {
	if len(s.audioCodecs()) == 0 {
		return fmt.Errorf("media session: audio codecs can not be empty")
	}

	if s.Mode == "" {
		return fmt.Errorf("media session: mode must be set")
	}

	if s.Laddr.IP == nil {
		return fmt.Errorf("media session: local addr must be set")
	}

	if s.SRTP != SRTPDisabled {
		keys, err := NewSRTPKeys()
		if err != nil {
			return fmt.Errorf("media session: srtp keys: %w", err)
		}
		s.localKeys = keys
	}

	// Try to listen on this ports
	if err := s.createListeners(&s.Laddr); err != nil {
		return err
	}
	return nil
}

// InitWithListener uses already created connection. Used mostly for testing.
func (s *MediaSession) InitWithListener(conn net.PacketConn, raddr *net.UDPAddr) {
	if s.Mode == "" {
		s.Mode = ModeSendrecv
	}
	s.rtpConn = conn
	if laddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		s.Laddr = *laddr
	}
	if raddr != nil {
		s.SetRemoteAddr(raddr)
	}
}

func (s *MediaSession) Close() error {
	if s.rtpConn != nil {
		return s.rtpConn.Close()
	}
	return nil
}

// SetRemoteAddr is helper to set Raddr. It is not thread safe
func (s *MediaSession) SetRemoteAddr(raddr *net.UDPAddr) {
	s.Raddr = *raddr
}

// SecureRTP reports is SRTP negotiated
func (s *MediaSession) SecureRTP() bool {
	return s.srtpActive
}

// NegotiatedCodec returns first common voice codec. Valid after RemoteSDP.
func (s *MediaSession) NegotiatedCodec() (Codec, error) {
	for _, c := range s.Codecs {
		if c.MediaType == MediaTypeAudio && c.Name != CodecTelephoneEvent8000.Name {
			return c, nil
		}
	}
	return Codec{}, ErrNoCommonCodec
}

func (s *MediaSession) audioCodecs() []Codec {
	out := make([]Codec, 0, len(s.Codecs))
	for _, c := range s.Codecs {
		if c.MediaType == MediaTypeAudio || c.MediaType == "" {
			out = append(out, c)
		}
	}
	return out
}

func (s *MediaSession) offerCrypto() bool {
	if s.SRTP == SRTPDisabled {
		return false
	}
	if s.negotiated {
		return s.srtpActive
	}
	return true
}

// LocalSDP builds our offer, or our answer in case RemoteSDP was already applied.
func (s *MediaSession) LocalSDP() []byte {
	connIP := s.ExternalIP
	if connIP == nil {
		connIP = s.Laddr.IP
	}

	codecs := s.audioCodecs()
	formats := make([]string, 0, len(codecs))
	attrs := make([]sdp.Attribute, 0, 2*len(codecs)+4)
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		attrs = append(attrs, sdp.NewAttribute("rtpmap", c.RTPMap()))
		if fmtp := c.FMTP(); fmtp != "" {
			attrs = append(attrs, sdp.NewAttribute("fmtp", fmtp))
		}
	}
	attrs = append(attrs,
		sdp.NewAttribute("ptime", "20"),
		sdp.NewAttribute("maxptime", "20"),
		sdp.NewPropertyAttribute(s.Mode),
	)

	protos := []string{"RTP", "AVP"}
	if s.offerCrypto() {
		attrs = append(attrs, sdp.NewAttribute("crypto", s.localKeys.Attribute()))
		if s.SRTP == SRTPRequired || s.remoteSAVP {
			protos = []string{"RTP", "SAVP"}
		}
	}

	addrType := "IP4"
	if connIP.To4() == nil {
		addrType = "IP6"
	}

	ntpTime := GetCurrentNTPTimestamp()
	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      ntpTime,
			SessionVersion: ntpTime,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: s.Laddr.IP.String(),
		},
		SessionName: "Softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: connIP.String()},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   MediaTypeAudio,
					Port:    sdp.RangedPort{Value: s.Laddr.Port},
					Protos:  protos,
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	data, err := sd.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal local SDP")
		return nil
	}
	return data
}

// RemoteSDP applies remote offer or answer. It filters our codecs to common ones,
// sets remote address and sets up SRTP contexts.
func (s *MediaSession) RemoteSDP(sdpReceived []byte) error {
	sd := sdp.SessionDescription{}
	if err := sd.Unmarshal(sdpReceived); err != nil {
		return fmt.Errorf("fail to parse received SDP: %w", err)
	}

	var md *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == MediaTypeAudio {
			md = m
			break
		}
	}
	if md == nil {
		return fmt.Errorf("no audio media description in SDP")
	}

	remoteCodecs, err := codecsFromMediaDescription(md)
	if err != nil {
		return err
	}

	common := s.filterCodecs(remoteCodecs)
	s.Codecs = common
	if _, err := s.NegotiatedCodec(); err != nil {
		return err
	}

	ci := md.ConnectionInformation
	if ci == nil {
		ci = sd.ConnectionInformation
	}
	if ci == nil || ci.Address == nil {
		return fmt.Errorf("no connection information in SDP")
	}
	ip := net.ParseIP(ci.Address.Address)
	if ip == nil {
		return fmt.Errorf("bad connection address %q in SDP", ci.Address.Address)
	}

	s.remoteSAVP = strings.Contains(strings.Join(md.MediaName.Protos, "/"), "SAVP")
	if err := s.applyRemoteCrypto(md); err != nil {
		return err
	}

	s.negotiated = true
	s.SetRemoteAddr(&net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value})
	return nil
}

func (s *MediaSession) applyRemoteCrypto(md *sdp.MediaDescription) error {
	var remoteKeys *SRTPKeys
	for _, a := range md.Attributes {
		if a.Key != "crypto" {
			continue
		}
		keys, err := ParseSRTPCrypto(a.Value)
		if err != nil {
			log.Debug().Err(err).Str("crypto", a.Value).Msg("Skipping crypto attribute")
			continue
		}
		remoteKeys = &keys
		break
	}

	switch {
	case remoteKeys == nil && s.SRTP == SRTPRequired:
		return ErrSRTPRequired
	case remoteKeys == nil:
		s.srtpActive = false
		return nil
	case s.SRTP == SRTPDisabled:
		if s.remoteSAVP {
			return fmt.Errorf("remote requires SRTP but it is disabled")
		}
		return nil
	}

	dec, err := remoteKeys.context()
	if err != nil {
		return fmt.Errorf("srtp remote context: %w", err)
	}
	// Answer must use same tag as selected offer
	s.localKeys.Tag = remoteKeys.Tag
	enc, err := s.localKeys.context()
	if err != nil {
		return fmt.Errorf("srtp local context: %w", err)
	}
	s.encCtx = enc
	s.decCtx = dec
	s.srtpActive = true
	return nil
}

// filterCodecs keeps remote order and remote payload numbers for dynamic types
func (s *MediaSession) filterCodecs(remote []Codec) []Codec {
	local := s.audioCodecs()
	filter := make([]Codec, 0, len(remote))
	for _, rc := range remote {
		for _, c := range local {
			if c.Match(rc) {
				c.PayloadType = rc.PayloadType
				filter = append(filter, c)
				break
			}
		}
	}
	return filter
}

func codecsFromMediaDescription(md *sdp.MediaDescription) ([]Codec, error) {
	rtpmaps := make(map[uint8]Codec)
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		c, err := parseRTPMap(a.Value)
		if err != nil {
			return nil, err
		}
		c.MediaType = md.MediaName.Media
		rtpmaps[c.PayloadType] = c
	}

	codecs := make([]Codec, 0, len(md.MediaName.Formats))
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("format is non numeric value %q: %w", f, err)
		}
		if c, ok := rtpmaps[uint8(pt)]; ok {
			codecs = append(codecs, c)
			continue
		}
		if c, ok := CodecFromPayloadType(uint8(pt)); ok {
			codecs = append(codecs, c)
			continue
		}
		log.Debug().Str("format", f).Msg("Unknown format without rtpmap. Skipping")
	}
	if len(codecs) == 0 {
		return nil, fmt.Errorf("no codecs found in SDP")
	}
	return codecs, nil
}

// Listen creates listeners on port range if set
func (s *MediaSession) createListeners(laddr *net.UDPAddr) error {
	if laddr.Port != 0 {
		return s.listenRTP(laddr)
	}

	if RTPPortStart > 0 && RTPPortEnd > RTPPortStart {
		// Get next available port
		port := RTPPortStart + int(rtpPortOffset.Load())
		port -= port % 2
		var err error
		for tries := 0; tries < (RTPPortEnd-RTPPortStart)/2+1; tries++ {
			if port >= RTPPortEnd {
				port = RTPPortStart + RTPPortStart%2
			}
			laddr.Port = port
			err = s.listenRTP(laddr)
			if err == nil {
				break
			}
			port += 2
		}
		if err != nil {
			return fmt.Errorf("no available ports in range %d:%d: %w", RTPPortStart, RTPPortEnd, err)
		}
		// Add some offset so that we use more from range
		offset := (port + 2 - RTPPortStart) % (RTPPortEnd - RTPPortStart)
		rtpPortOffset.Store(int32(offset))
		return nil
	}

	return s.listenRTP(laddr)
}

func (s *MediaSession) listenRTP(laddr *net.UDPAddr) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: laddr.IP, Port: laddr.Port})
	if err != nil {
		return err
	}
	s.rtpConn = conn
	// Update laddr as it can be empheral
	s.Laddr = *conn.LocalAddr().(*net.UDPAddr)
	return nil
}

// ReadRTP reads data from network and parses to pkt
// buffer is passed in order to avoid extra allocs. Payload references buf.
func (m *MediaSession) ReadRTP(buf []byte, pkt *rtp.Packet) (int, error) {
	if len(buf) < RTPBufSize {
		return 0, io.ErrShortBuffer
	}

	n, from, err := m.rtpConn.ReadFrom(buf)
	if err != nil {
		return 0, err
	}

	if m.decCtx != nil {
		decrypted, err := m.decCtx.DecryptRTP(nil, buf[:n], nil)
		if err != nil {
			return 0, fmt.Errorf("srtp decrypt: %w", err)
		}
		n = copy(buf, decrypted)
	}

	if err := pkt.Unmarshal(buf[:n]); err != nil {
		return n, err
	}

	logRTPRead(m, from, pkt)
	return n, nil
}

func (m *MediaSession) WriteRTP(p *rtp.Packet) error {
	logRTPWrite(m, p)

	data, err := p.Marshal()
	if err != nil {
		return err
	}

	if m.encCtx != nil {
		data, err = m.encCtx.EncryptRTP(nil, data, nil)
		if err != nil {
			return fmt.Errorf("srtp encrypt: %w", err)
		}
	}

	n, err := m.rtpConn.WriteTo(data, &m.Raddr)
	if err != nil {
		return err
	}

	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}
