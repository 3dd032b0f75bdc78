// Copyright 2025 Tessera Authors
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

// Package detect rejects binary inputs at ingress and identifies the
// programming language of source files by extension and content.
package detect

import (
	"bytes"
	"path/filepath"
	"strings"
)

// maxNulBytes is the NUL-count threshold in the first nulScanWindow bytes
// above which content is treated as binary.
const maxNulBytes = 10

// nulScanWindow is how far into the content NUL bytes are counted.
const nulScanWindow = 8 * 1024

// binaryExtensions are rejected without looking at content.
var binaryExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true,
	".o": true, ".obj": true, ".bin": true, ".class": true, ".jar": true,
	".war": true, ".zip": true, ".tar": true, ".gz": true, ".bz2": true,
	".xz": true, ".7z": true, ".rar": true, ".png": true, ".jpg": true,
	".jpeg": true, ".gif": true, ".bmp": true, ".ico": true, ".webp": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".wav": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".db": true, ".sqlite": true, ".pyc": true,
	".wasm": true, ".ttf": true, ".woff": true, ".woff2": true, ".eot": true,
}

// magicSignatures are well-known file headers checked against the first
// bytes of the content.
var magicSignatures = [][]byte{
	{0x7F, 'E', 'L', 'F'},       // ELF
	{'M', 'Z'},                  // PE/COFF
	{0xCA, 0xFE, 0xBA, 0xBE},    // Java class / Mach-O fat
	{0xFE, 0xED, 0xFA, 0xCE},    // Mach-O 32-bit
	{0xFE, 0xED, 0xFA, 0xCF},    // Mach-O 64-bit
	{'P', 'K', 0x03, 0x04},      // ZIP (also jar, docx, xlsx)
	{0x89, 'P', 'N', 'G'},       // PNG
	{0xFF, 0xD8, 0xFF},          // JPEG
	{'G', 'I', 'F', '8'},        // GIF
	{0x1F, 0x8B},                // gzip
	{'B', 'Z', 'h'},             // bzip2
	{0xFD, '7', 'z', 'X', 'Z'},  // xz
	{'%', 'P', 'D', 'F'},        // PDF
	{0x00, 0x61, 0x73, 0x6D},    // WASM
	{'S', 'Q', 'L', 'i', 't'},   // SQLite
	{0xD0, 0xCF, 0x11, 0xE0},    // MS compound file (doc, xls)
}

// IsBinary reports whether the named content must be rejected as binary.
// True iff the extension is blacklisted, the first 16 bytes match a known
// magic signature, or the NUL-byte count in the first 8 KiB exceeds 10.
func IsBinary(name string, header []byte) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if binaryExtensions[ext] {
		return true
	}

	head := header
	if len(head) > 16 {
		head = head[:16]
	}
	for _, sig := range magicSignatures {
		if bytes.HasPrefix(head, sig) {
			return true
		}
	}

	window := header
	if len(window) > nulScanWindow {
		window = window[:nulScanWindow]
	}
	return bytes.Count(window, []byte{0}) > maxNulBytes
}
