package anthropic

import "strings"

const (
	thinkingOpen  = "<thinking>"
	thinkingClose = "</thinking>"
)

// thinkingScanner splits streamed text into content and reasoning on the
// fly. It holds back just enough of a tail to detect <thinking> and
// </thinking> split across chunk boundaries, so output is identical for any
// partition of the input into chunks.
type thinkingScanner struct {
	buf        string
	inThinking bool
}

// Feed consumes the next text delta and returns what can be emitted so far.
func (s *thinkingScanner) Feed(text string) (content, reasoning string) {
	s.buf += text
	for {
		tag := thinkingOpen
		if s.inThinking {
			tag = thinkingClose
		}
		i := strings.Index(s.buf, tag)
		if i < 0 {
			keep := tagOverlap(s.buf, tag)
			emit := s.buf[:len(s.buf)-keep]
			s.buf = s.buf[len(s.buf)-keep:]
			if s.inThinking {
				reasoning += emit
			} else {
				content += emit
			}
			return content, reasoning
		}
		if s.inThinking {
			reasoning += s.buf[:i]
		} else {
			content += s.buf[:i]
		}
		s.buf = s.buf[i+len(tag):]
		s.inThinking = !s.inThinking
	}
}

// Flush drains the held-back tail in the current state. Call once at stream
// end.
func (s *thinkingScanner) Flush() (content, reasoning string) {
	emit := s.buf
	s.buf = ""
	if s.inThinking {
		return "", emit
	}
	return emit, ""
}

// tagOverlap returns the length of the longest suffix of s that is a proper
// prefix of tag.
func tagOverlap(s, tag string) int {
	max := len(tag) - 1
	if len(s) < max {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasPrefix(tag, s[len(s)-l:]) {
			return l
		}
	}
	return 0
}
