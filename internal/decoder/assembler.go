package decoder

import (
	"strings"
	"time"

	"github.com/MrWong99/phoneear/pkg/types"
)

const (
	// GapFiller marks a decode slot that lacked support. Any pair containing
	// it decodes to GapFiller as well.
	GapFiller = '_'

	// StartMarker is appended to the buffer when a message starts.
	StartMarker = '['

	firstLetterCode = 65 // 'A'
	lastLetterCode  = 90 // 'Z'
)

// Decode turns a coded digit sequence into Latin text. An odd-length input is
// padded with one [GapFiller]; each two-character group then decodes to the
// letter with that ASCII code when the value lies in [65, 90], and to
// [GapFiller] otherwise (including any group that is not two decimal digits).
//
// Decode is pure.
func Decode(coded string) string {
	b := []byte(coded)
	if len(b)%2 != 0 {
		b = append(b, GapFiller)
	}
	var out strings.Builder
	out.Grow(len(b) / 2)
	for i := 0; i < len(b); i += 2 {
		out.WriteByte(decodePair(b[i], b[i+1]))
	}
	return out.String()
}

func decodePair(hi, lo byte) byte {
	if !isDigit(hi) || !isDigit(lo) {
		return GapFiller
	}
	code := int(hi-'0')*10 + int(lo-'0')
	if code < firstLetterCode || code > lastLetterCode {
		return GapFiller
	}
	return byte(code)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Assembler owns the message buffer and the running message log. It is not
// safe for concurrent use; the decoder goroutine owns it.
type Assembler struct {
	buf      []rune
	log      []string
	logLimit int
}

// NewAssembler returns an empty assembler whose log keeps at most logLimit
// lines (oldest dropped first). A limit ≤ 0 keeps every line.
func NewAssembler(logLimit int) *Assembler {
	return &Assembler{logLimit: logLimit}
}

// Append adds one character to the buffer.
func (a *Assembler) Append(r rune) { a.buf = append(a.buf, r) }

// Buffer returns the current buffer contents, start marker included.
func (a *Assembler) Buffer() string { return string(a.buf) }

// Reset clears the buffer. The log is kept.
func (a *Assembler) Reset() { a.buf = a.buf[:0] }

// Finalize decodes the buffer content after the last [StartMarker], appends
// "[coded] = text" to the log, and clears the buffer.
func (a *Assembler) Finalize(at time.Time) types.Message {
	coded := a.buf
	for i := len(a.buf) - 1; i >= 0; i-- {
		if a.buf[i] == StartMarker {
			coded = a.buf[i+1:]
			break
		}
	}
	msg := types.Message{Coded: string(coded), At: at}
	msg.Text = Decode(msg.Coded)

	a.log = append(a.log, msg.LogLine())
	if a.logLimit > 0 && len(a.log) > a.logLimit {
		a.log = append(a.log[:0], a.log[len(a.log)-a.logLimit:]...)
	}
	a.Reset()
	return msg
}

// Log returns a copy of the running message log, oldest first.
func (a *Assembler) Log() []string {
	out := make([]string, len(a.log))
	copy(out, a.log)
	return out
}
