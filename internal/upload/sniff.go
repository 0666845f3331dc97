// Scribe is an audio transcription service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package upload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// sniffLen covers the longest magic we check: "ftyp" at offset 4.
const sniffLen = 12

// looksLikeAudio allow-lists the formats the transcription binary
// accepts, by leading bytes only. Deep validation is the subprocess's
// problem; this gate just refuses obvious junk before it queues.
func looksLikeAudio(head []byte) bool {
	switch {
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return true // WAV
	case len(head) >= 3 && bytes.Equal(head[0:3], []byte("ID3")):
		return true // MP3 with ID3 tag
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return true // raw MPEG audio frame sync
	case len(head) >= 4 && bytes.Equal(head[0:4], []byte("fLaC")):
		return true // FLAC
	case len(head) >= 4 && bytes.Equal(head[0:4], []byte("OggS")):
		return true // Ogg container (Vorbis/Opus)
	case len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp")):
		return true // ISO BMFF (M4A/MP4 audio)
	default:
		return false
	}
}

func digest(data []byte) (int64, string) {
	sum := sha256.Sum256(data)
	return int64(len(data)), hex.EncodeToString(sum[:])
}
