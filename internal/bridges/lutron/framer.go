package lutron

import (
	"bytes"
	"strings"
)

// Wire markers of the integration protocol.
const (
	frameStart      = '~'
	frameTerminator = "\r\n"
	loginPrompt     = "login:"
	passwordPrompt  = "password:"

	// defaultMaxFrameBuffer bounds the bytes held while waiting for a terminator.
	defaultMaxFrameBuffer = 8 * 1024
)

// ItemKind classifies what the Framer extracted from the byte stream.
type ItemKind int

const (
	// ItemFrame is a complete ~...\r\n report.
	ItemFrame ItemKind = iota

	// ItemLoginPrompt is the bridge asking for the login name.
	ItemLoginPrompt

	// ItemPasswordPrompt is the bridge asking for the password.
	ItemPasswordPrompt
)

// String returns the kind name used in logs.
func (k ItemKind) String() string {
	switch k {
	case ItemFrame:
		return "frame"
	case ItemLoginPrompt:
		return "login_prompt"
	case ItemPasswordPrompt:
		return "password_prompt"
	default:
		return "unknown"
	}
}

// Item is one unit of inbound protocol text.
type Item struct {
	Kind ItemKind

	// Text is the frame from '~' up to, not including, "\r\n".
	// Empty for prompts.
	Text string
}

// Framer reassembles raw reads into prompts and frames.
//
// Bytes are accumulated across reads: a '~' without a following "\r\n" is
// held until the terminator arrives, so a frame split over several reads is
// still delivered whole. A '~' whose line ends in a bare "\n" was not a
// frame and is dropped with that line. Text outside frames is only
// inspected for the login and password prompts and is otherwise discarded.
//
// Thread Safety:
//   - Not safe for concurrent use. A Framer belongs to the single consumer
//     of one connection.
type Framer struct {
	buf       []byte
	maxSize   int
	overflows uint64
}

// NewFramer creates a Framer that holds at most maxSize bytes while waiting
// for a terminator. A non-positive maxSize selects the default (8 KiB).
func NewFramer(maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = defaultMaxFrameBuffer
	}
	return &Framer{maxSize: maxSize}
}

// Feed appends chunk to the buffer and returns every complete item, in
// stream order.
func (f *Framer) Feed(chunk []byte) []Item {
	f.buf = append(f.buf, chunk...)

	var items []Item
	for {
		start := bytes.IndexByte(f.buf, frameStart)
		if start < 0 {
			break
		}

		items = append(items, scanPrompts(f.buf[:start])...)

		nl := bytes.IndexByte(f.buf[start:], '\n')
		if nl < 0 {
			// Partial frame: keep it from the start marker onwards, unless
			// it is a stray marker followed by a prompt.
			f.buf = append(f.buf[:0], f.buf[start:]...)
			if item, ok := strayPrompt(f.buf); ok {
				f.buf = f.buf[:0]
				return append(items, item)
			}
			f.enforceLimit()
			return items
		}

		end := start + nl + 1
		line := f.buf[start:end]
		f.buf = f.buf[end:]
		if !bytes.HasSuffix(line, []byte(frameTerminator)) {
			if item, ok := strayPrompt(line); ok {
				items = append(items, item)
			}
			continue
		}
		items = append(items, Item{Kind: ItemFrame, Text: string(line[:len(line)-len(frameTerminator)])})
	}

	// No frame in progress. Prompts arrive without a line ending, so the
	// trailing partial line is checked too and kept if it does not match.
	prompts, rest := scanPromptLines(f.buf)
	items = append(items, prompts...)
	f.buf = append(f.buf[:0], rest...)
	f.enforceLimit()

	return items
}

// Reset discards any buffered bytes. Called when a new connection starts.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// Buffered returns the number of bytes held waiting for more input.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Overflows returns how many times the buffer was dropped for exceeding
// its limit.
func (f *Framer) Overflows() uint64 {
	return f.overflows
}

func (f *Framer) enforceLimit() {
	if len(f.buf) > f.maxSize {
		f.buf = f.buf[:0]
		f.overflows++
	}
}

// scanPrompts returns the prompts found on the lines of b, which precede a
// frame start and are therefore complete.
func scanPrompts(b []byte) []Item {
	var items []Item
	for _, line := range strings.Split(string(b), "\n") {
		if item, ok := classifyPrompt(line); ok {
			items = append(items, item)
		}
	}
	return items
}

// scanPromptLines is scanPrompts for text with no frame in it. It returns
// the unmatched trailing partial line so a prompt split across reads can
// still be recognised.
func scanPromptLines(b []byte) ([]Item, []byte) {
	var items []Item
	for {
		nl := bytes.IndexByte(b, '\n')
		if nl < 0 {
			break
		}
		if item, ok := classifyPrompt(string(b[:nl])); ok {
			items = append(items, item)
		}
		b = b[nl+1:]
	}

	if item, ok := classifyPrompt(string(b)); ok {
		return append(items, item), nil
	}
	return items, b
}

// strayPrompt checks the text after the last '~' in b for a prompt.
func strayPrompt(b []byte) (Item, bool) {
	return classifyPrompt(string(b[bytes.LastIndexByte(b, frameStart)+1:]))
}

func classifyPrompt(line string) (Item, bool) {
	switch strings.TrimSpace(line) {
	case loginPrompt:
		return Item{Kind: ItemLoginPrompt}, true
	case passwordPrompt:
		return Item{Kind: ItemPasswordPrompt}, true
	default:
		return Item{}, false
	}
}
