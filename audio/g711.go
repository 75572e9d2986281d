// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"io"

	"github.com/zaf/g711"
)

// EncodeUlawTo encodes 16 bit little endian LPCM into ulaw
func EncodeUlawTo(ulaw []byte, lpcm []byte) (n int, err error) {
	return encodeG711To(ulaw, lpcm, g711.EncodeUlawFrame)
}

// DecodeUlawTo decodes ulaw into 16 bit little endian LPCM
func DecodeUlawTo(lpcm []byte, ulaw []byte) (n int, err error) {
	return decodeG711To(lpcm, ulaw, g711.DecodeUlawFrame)
}

// EncodeAlawTo encodes 16 bit little endian LPCM into alaw
func EncodeAlawTo(alaw []byte, lpcm []byte) (n int, err error) {
	return encodeG711To(alaw, lpcm, g711.EncodeAlawFrame)
}

// DecodeAlawTo decodes alaw into 16 bit little endian LPCM
func DecodeAlawTo(lpcm []byte, alaw []byte) (n int, err error) {
	return decodeG711To(lpcm, alaw, g711.DecodeAlawFrame)
}

func encodeG711To(dst []byte, lpcm []byte, encode func(int16) uint8) (n int, err error) {
	if len(lpcm) > len(dst)*2 {
		return 0, io.ErrShortBuffer
	}

	for j := 0; j <= len(lpcm)-2; j += 2 {
		dst[n] = encode(int16(lpcm[j]) | int16(lpcm[j+1])<<8)
		n++
	}
	return n, nil
}

func decodeG711To(lpcm []byte, src []byte, decode func(uint8) int16) (n int, err error) {
	if len(lpcm) < 2*len(src) {
		return 0, io.ErrShortBuffer
	}
	for _, b := range src {
		frame := decode(b)
		lpcm[n] = byte(frame)
		lpcm[n+1] = byte(frame >> 8)
		n += 2
	}
	return n, nil
}
