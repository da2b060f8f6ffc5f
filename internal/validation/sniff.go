package validation

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Тип по умолчанию, когда содержимое не распознано.
const unknownType = "application/octet-stream"

// MIME-типы исполняемых форматов, определяемых собственной проверкой заголовка.
const (
	typePE    = "application/vnd.microsoft.portable-executable"
	typeELF   = "application/x-elf"
	typeMachO = "application/x-mach-binary"
)

// Sniffed — результат определения типа по содержимому.
type Sniffed struct {
	// Type — MIME-тип без параметров
	Type string
	// Extension — типичное расширение формата (с точкой), может быть пустым
	Extension string
	// Executable — в начале файла найден заголовок исполняемого файла
	Executable bool

	mime *mimetype.MIME
}

// Sniff определяет истинный тип содержимого по magic bytes,
// независимо от имени файла и заявленного типа.
func Sniff(content []byte) Sniffed {
	mt := mimetype.Detect(content)
	s := Sniffed{
		Type:      NormalizeMIME(mt.String()),
		Extension: mt.Extension(),
		mime:      mt,
	}

	if exe, ok := executableHeader(content); ok {
		s.Executable = true
		if KindOf(s.Type) != KindExecutable {
			s.Type = exe
			s.mime = nil
		}
	}

	if s.Type == "" {
		s.Type = unknownType
	}
	return s
}

// executableHeader проверяет начало файла на заголовки PE, ELF и Mach-O.
// Для типа spoofing достаточно "MZ" в начале: ни один из разрешённых
// форматов так не начинается.
func executableHeader(content []byte) (string, bool) {
	switch {
	case bytes.HasPrefix(content, []byte("MZ")):
		return typePE, true
	case bytes.HasPrefix(content, []byte("\x7fELF")):
		return typeELF, true
	case len(content) >= 4 && isMachOMagic(binary.BigEndian.Uint32(content)):
		return typeMachO, true
	}
	return "", false
}

// isMachOMagic — 32/64-битные Mach-O в обоих порядках байт.
// Универсальный 0xCAFEBABE не учитывается: так же начинаются class-файлы Java.
func isMachOMagic(m uint32) bool {
	switch m {
	case 0xFEEDFACE, 0xFEEDFACF, 0xCEFAEDFE, 0xCFFAEDFE:
		return true
	}
	return false
}

// hasPEHeader проверяет полноценный PE по смещению off: "MZ", корректный
// указатель e_lfanew и сигнатуру "PE\0\0" по нему.
func hasPEHeader(content []byte, off int) bool {
	if off < 0 || off+0x40 > len(content) || content[off] != 'M' || content[off+1] != 'Z' {
		return false
	}
	lfanew := int(binary.LittleEndian.Uint32(content[off+0x3C:]))
	if lfanew < 0x40 || lfanew > 0x1000 {
		return false
	}
	pe := off + lfanew
	return pe+4 <= len(content) && bytes.Equal(content[pe:pe+4], []byte("PE\x00\x00"))
}

// typesCompatible проверяет, допустимо ли расхождение заявленного и
// определённого типа. Для исполняемых файлов и скриптов требуется
// точное совпадение.
func typesCompatible(declared string, detected Sniffed) bool {
	declared = NormalizeMIME(declared)
	if declared == detected.Type {
		return true
	}

	switch KindOf(detected.Type) {
	case KindExecutable, KindScript:
		return false
	}
	switch KindOf(declared) {
	case KindExecutable, KindScript:
		return false
	}
	if declared == unknownType || detected.Type == unknownType {
		return false
	}

	// Определённый тип уточняет заявленный: docx → zip, json → text/plain
	for m := detected.mime; m != nil; m = m.Parent() {
		if parent := NormalizeMIME(m.String()); parent != unknownType && parent == declared {
			return true
		}
	}

	return benignMismatch(declared, detected.Type)
}

// benignMismatch — заявлен более точный тип, чем можно определить по
// содержимому: офисный документ распознан как zip, csv/markdown как текст.
func benignMismatch(declared, detected string) bool {
	switch {
	case detected == "application/zip" && isZipOffice(declared):
		return true
	case detected == "text/plain" && KindOf(declared) == KindText:
		return true
	}
	return false
}

// isZipOffice — офисные форматы на базе zip (OOXML, ODF).
func isZipOffice(mimeType string) bool {
	return strings.HasPrefix(mimeType, "application/vnd.openxmlformats-officedocument.") ||
		strings.HasPrefix(mimeType, "application/vnd.oasis.opendocument.")
}
