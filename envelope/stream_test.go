package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamDecoderLineBoundaries(t *testing.T) {
	d := NewStreamDecoder()

	lines := d.Decode([]byte("first line\r\nsecond"))
	assert.Equal(t, []string{"first line"}, lines)

	lines = d.Decode([]byte(" half\nthird\n"))
	assert.Equal(t, []string{"second half", "third"}, lines)

	assert.Empty(t, d.Flush())
}

func TestStreamDecoderFlushEmitsPartialLine(t *testing.T) {
	d := NewStreamDecoder()
	assert.Empty(t, d.Decode([]byte("no trailing newline")))
	assert.Equal(t, []string{"no trailing newline"}, d.Flush())
}

func TestStreamDecoderStderrPrefix(t *testing.T) {
	d := NewStreamDecoder()

	lines := d.DecodeStderr([]byte("warning: low disk\r\npar"))
	assert.Equal(t, []string{"STDERR: warning: low disk"}, lines)

	lines = d.DecodeStderr([]byte("tial\n"))
	assert.Equal(t, []string{"STDERR: tial"}, lines)
}

func TestStreamDecoderCLIXMLPayload(t *testing.T) {
	d := NewStreamDecoder()

	chunk := "progress\n#< CLIXML\n" +
		`<Objs Version="1.1.0.1" xmlns="http://schemas.microsoft.com/powershell/2004/04">` +
		`<S S="Output">step one_x000D__x000A_step two_x000D__x000A_</S>` +
		`<S S="Error">something broke</S>` +
		`</Objs>` + "\nafter\n"

	lines := d.Decode([]byte(chunk))
	assert.Equal(t, []string{
		"progress",
		"step one",
		"step two",
		"STDERR: something broke",
		"after",
	}, lines)
}

func TestStreamDecoderSentinelSplitAcrossChunks(t *testing.T) {
	d := NewStreamDecoder()

	assert.Equal(t, []string{"before"}, d.Decode([]byte("before\n#< CLI")))
	assert.Empty(t, d.Decode([]byte("XML\n<Objs Version=\"1.1.0.1\">")))
	assert.Empty(t, d.Decode([]byte(`<S S="Output">deferred</S>`)))

	lines := d.Decode([]byte("</Objs>\ntail\n"))
	assert.Equal(t, []string{"deferred", "tail"}, lines)
}

func TestStreamDecoderCLIXMLSplitTerminator(t *testing.T) {
	d := NewStreamDecoder()

	assert.Equal(t, []string{}, append([]string{}, d.Decode([]byte("#< CLIXML\n<Objs><S>only</S></Ob"))...))
	lines := d.Decode([]byte("js>\n"))
	assert.Equal(t, []string{"only"}, lines)
}

func TestSplitCLIXMLText(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCLIXMLText("a_x000D__x000A_b"))
	assert.Equal(t, []string{"a", "b"}, splitCLIXMLText("a_x000A_b_x000A_"))
	assert.Equal(t, []string{"ab"}, splitCLIXMLText("a_x000D_b"))
	assert.Nil(t, splitCLIXMLText(""))
	assert.Nil(t, splitCLIXMLText("_x000A_"))
}
