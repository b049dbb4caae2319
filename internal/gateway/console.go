package gateway

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console is a line-oriented gateway over an io.Reader/io.Writer pair,
// used when the relay runs without a chat front-end attached (operator
// terminals, pipes, tests).
//
// Inbound lines have the form
//
//	<conversation> <text...>
//
// where the first field names the conversation. A bare line with no
// conversation prefix is routed to "default".
type Console struct {
	out io.Writer
	mu  sync.Mutex

	// DefaultAuthor labels inbound messages that carry no author of
	// their own. Empty means unattributed.
	DefaultAuthor string
}

// NewConsole builds a console gateway writing replies to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, DefaultAuthor: "operator"}
}

// Send writes one reply, prefixed with its conversation id.
func (c *Console) Send(conversationID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "[%s] %s\n", conversationID, text)
	return err
}

// ParseLine turns one console input line into an inbound event. The
// second return is false for blank lines.
func (c *Console) ParseLine(line string) (InboundEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return InboundEvent{}, false
	}

	conversation := "default"
	text := line
	if fields := strings.SplitN(line, " ", 2); len(fields) == 2 {
		conversation = fields[0]
		text = fields[1]
	}
	return InboundEvent{
		ConversationID: conversation,
		AuthorName:     c.DefaultAuthor,
		Text:           text,
	}, true
}

// ReadLoop parses lines from r and hands each event to handle, returning
// when r is exhausted or fails.
func (c *Console) ReadLoop(r io.Reader, handle func(InboundEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ev, ok := c.ParseLine(scanner.Text()); ok {
			handle(ev)
		}
	}
	return scanner.Err()
}
