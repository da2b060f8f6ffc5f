package validation

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
)

// jpegMetadataBlocks возвращает содержимое сегментов APPn и COM
// до начала данных скана (SOS).
func jpegMetadataBlocks(content []byte) [][]byte {
	if len(content) < 4 || content[0] != 0xFF || content[1] != 0xD8 {
		return nil
	}

	var blocks [][]byte
	pos := 2
	for pos+4 <= len(content) {
		if content[pos] != 0xFF {
			break
		}
		marker := content[pos+1]
		if marker == 0xFF {
			// Заполняющие байты между маркерами
			pos++
			continue
		}
		if marker == 0xD9 || marker == 0xDA {
			break
		}
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			pos += 2
			continue
		}

		length := int(binary.BigEndian.Uint16(content[pos+2:]))
		if length < 2 || pos+2+length > len(content) {
			break
		}
		if (marker >= 0xE0 && marker <= 0xEF) || marker == 0xFE {
			blocks = append(blocks, content[pos+4:pos+2+length])
		}
		pos += 2 + length
	}
	return blocks
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// pngMetadataBlocks возвращает содержимое чанков tEXt, zTXt, iTXt и eXIf.
// Сжатый текст распаковывается не больше чем на limit+1 байт.
func pngMetadataBlocks(content []byte, limit int) [][]byte {
	if !bytes.HasPrefix(content, pngSignature) {
		return nil
	}

	var blocks [][]byte
	pos := len(pngSignature)
	for pos+8 <= len(content) {
		length := int(binary.BigEndian.Uint32(content[pos:]))
		typ := string(content[pos+4 : pos+8])
		start := pos + 8
		if length < 0 || start+length+4 > len(content) {
			break
		}
		data := content[start : start+length]

		switch typ {
		case "tEXt", "eXIf":
			blocks = append(blocks, data)
		case "zTXt":
			blocks = append(blocks, pngZText(data, limit))
		case "iTXt":
			blocks = append(blocks, pngIText(data, limit))
		case "IEND":
			return blocks
		}
		pos = start + length + 4
	}
	return blocks
}

// pngZText: keyword\0 method compressed-text.
func pngZText(data []byte, limit int) []byte {
	i := bytes.IndexByte(data, 0)
	if i < 0 || i+2 > len(data) {
		return data
	}
	return append(append([]byte(nil), data[:i]...), inflateLimited(data[i+2:], limit)...)
}

// pngIText: keyword\0 flag method lang\0 translated\0 text.
func pngIText(data []byte, limit int) []byte {
	i := bytes.IndexByte(data, 0)
	if i < 0 || i+3 > len(data) {
		return data
	}
	compressed := data[i+1] == 1
	rest := data[i+3:]
	for range 2 {
		j := bytes.IndexByte(rest, 0)
		if j < 0 {
			return data
		}
		rest = rest[j+1:]
	}
	if !compressed {
		return data
	}
	return append(append([]byte(nil), data[:i]...), inflateLimited(rest, limit)...)
}

// inflateLimited распаковывает zlib-поток. При ошибке возвращает
// исходные байты: повреждённый блок всё равно проверяется как есть.
func inflateLimited(data []byte, limit int) []byte {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer zr.Close()

	if limit <= 0 {
		limit = 64 << 10
	}
	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil && len(out) == 0 {
		return data
	}
	return out
}
