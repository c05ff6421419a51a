// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package encoding compresses websocket frame payloads with zstd.
package encoding

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the little-endian frame magic number of a zstd frame.
const zstdMagic = 0xFD2FB528

// MaxDecompressedSize caps a single decompressed frame.
const MaxDecompressedSize = 64 << 20

var ErrNotCompressed = errors.New("payload is not a zstd frame")

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			encoder, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedFastest),
				zstd.WithWindowSize(32*1024))
			return encoder
		},
	}

	decoderPool = sync.Pool{
		New: func() interface{} {
			decoder, _ := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderMaxMemory(MaxDecompressedSize))
			return decoder
		},
	}
)

// IsCompressed reports whether data starts with the zstd magic number.
func IsCompressed(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(data) == zstdMagic
}

// Compress returns message compressed when it is at least threshold
// bytes long. Shorter messages are returned as is and compressed is false.
func Compress(message []byte, threshold int) (out []byte, compressed bool) {
	if len(message) < threshold {
		return message, false
	}

	encoder := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(encoder)

	return encoder.EncodeAll(message, make([]byte, 0, len(message)/2)), true
}

// Decompress inflates a zstd frame.
func Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return nil, ErrNotCompressed
	}

	decoder := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(decoder)

	return decoder.DecodeAll(data, nil)
}
