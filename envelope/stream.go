package envelope

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// clixmlSentinel marks the start of a CLIXML payload in the agent's stdout.
// The transport may split it across chunk boundaries, so the decoder keeps
// unterminated data buffered until the line completes.
var clixmlSentinel = []byte("#< CLIXML")

// stderrPrefix marks stderr lines in the merged output sequence.
const stderrPrefix = "STDERR: "

const (
	modeText = iota
	modeCLIXML
)

// StreamDecoder turns opaque stdout/stderr chunks from the transport into
// complete output lines. It is stateful: partial lines, a partially received
// CLIXML sentinel, and unterminated XML all carry across calls. CRLF line
// endings are normalized to LF.
//
// A decoder belongs to a single job's stream and is not safe for concurrent
// use.
type StreamDecoder struct {
	mode   int
	buf    []byte
	xmlBuf []byte
	errBuf []byte
}

// NewStreamDecoder returns a decoder in text mode with empty buffers.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{}
}

// Decode consumes one stdout chunk and returns zero or more complete lines.
func (d *StreamDecoder) Decode(chunk []byte) []string {
	var lines []string

	if d.mode == modeCLIXML {
		chunk = d.consumeCLIXML(chunk, &lines)
		if d.mode == modeCLIXML {
			return lines
		}
	}

	d.buf = append(d.buf, chunk...)
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return lines
		}
		line := trimCR(d.buf[:idx])
		rest := d.buf[idx+1:]

		if bytes.HasPrefix(line, clixmlSentinel) {
			d.mode = modeCLIXML
			d.xmlBuf = append([]byte(nil), line[len(clixmlSentinel):]...)
			d.buf = nil
			remainder := d.consumeCLIXML(rest, &lines)
			if d.mode == modeCLIXML {
				return lines
			}
			d.buf = append(d.buf, remainder...)
			continue
		}

		lines = append(lines, string(line))
		d.buf = append(d.buf[:0], rest...)
	}
}

// DecodeStderr consumes one stderr chunk; complete lines come back with the
// STDERR prefix applied.
func (d *StreamDecoder) DecodeStderr(chunk []byte) []string {
	var lines []string
	d.errBuf = append(d.errBuf, chunk...)
	for {
		idx := bytes.IndexByte(d.errBuf, '\n')
		if idx < 0 {
			return lines
		}
		line := trimCR(d.errBuf[:idx])
		lines = append(lines, stderrPrefix+string(line))
		d.errBuf = append(d.errBuf[:0], d.errBuf[idx+1:]...)
	}
}

// Flush drains any buffered partial lines at end of stream.
func (d *StreamDecoder) Flush() []string {
	var lines []string
	if d.mode == modeCLIXML && len(d.xmlBuf) > 0 {
		lines = append(lines, parseCLIXML(d.xmlBuf)...)
		d.xmlBuf = nil
		d.mode = modeText
	}
	if len(d.buf) > 0 {
		lines = append(lines, string(trimCR(d.buf)))
		d.buf = nil
	}
	if len(d.errBuf) > 0 {
		lines = append(lines, stderrPrefix+string(trimCR(d.errBuf)))
		d.errBuf = nil
	}
	return lines
}

// consumeCLIXML accumulates XML until the closing Objs element, then parses
// the payload into output lines. Returns any bytes after the XML.
func (d *StreamDecoder) consumeCLIXML(chunk []byte, lines *[]string) []byte {
	d.xmlBuf = append(d.xmlBuf, chunk...)
	end := bytes.Index(d.xmlBuf, []byte("</Objs>"))
	if end < 0 {
		return nil
	}
	end += len("</Objs>")
	payload := d.xmlBuf[:end]
	rest := append([]byte(nil), d.xmlBuf[end:]...)

	*lines = append(*lines, parseCLIXML(payload)...)

	d.xmlBuf = nil
	d.mode = modeText
	// The XML block usually ends with a line break that belongs to it.
	if len(rest) > 0 && rest[0] == '\r' {
		rest = rest[1:]
	}
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	}
	return rest
}

// parseCLIXML extracts every <S> element from a CLIXML document. Elements on
// the Error stream are merged as stderr lines.
func parseCLIXML(data []byte) []string {
	var lines []string
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return lines
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "S" {
			continue
		}
		stream := ""
		for _, attr := range start.Attr {
			if attr.Name.Local == "S" {
				stream = attr.Value
			}
		}
		var content string
		if err := dec.DecodeElement(&content, &start); err != nil {
			return lines
		}
		for _, line := range splitCLIXMLText(content) {
			if stream == "Error" {
				line = stderrPrefix + line
			}
			lines = append(lines, line)
		}
	}
}

// splitCLIXMLText undoes the _x000D_/_x000A_ character escapes PowerShell
// applies inside CLIXML strings and splits the result into lines.
func splitCLIXMLText(s string) []string {
	s = strings.ReplaceAll(s, "_x000D__x000A_", "\n")
	s = strings.ReplaceAll(s, "_x000A_", "\n")
	s = strings.ReplaceAll(s, "_x000D_", "")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}
