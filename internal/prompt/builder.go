package prompt

import (
	"context"
	"strings"
	"time"

	"github.com/stupiduntilnot/chatdesk/internal/history"
)

// DefaultWindow is the number of past turns included when none is configured.
const DefaultWindow = 5

// DatePlaceholder is replaced with the current date (YYYY-MM-DD) on every build.
const DatePlaceholder = "{date}"

// DefaultSystemTemplate is the booking-desk persona.
const DefaultSystemTemplate = "Hôm nay là ngày {date}. Bạn là tư vấn viên hỗ trợ đặt vé xe khách, xưng 'em' và gọi người dùng là 'mình'. " +
	"Khi người dùng nói 'hôm nay', hãy hiểu đó là ngày {date}. " +
	"Hãy trò chuyện thân thiện và tư vấn về đặt vé xe khách: tra cứu chuyến, giá vé, giờ khởi hành và hỗ trợ đặt hoặc hủy vé. " +
	"Nếu thiếu thông tin cần thiết để thực hiện thao tác, hãy hỏi lại rõ ràng."

// Builder assembles the bounded context sent to the completion gateway:
// one system message, the most recent turns, then the new user message.
type Builder struct {
	Source     HistorySource
	Compressor Compressor
	Assembler  Assembler
	Window     int
	Template   string
	Now        func() time.Time

	// InputPersisted is set when the new message was appended to the store
	// before Build runs; its stored copy is then left out of the history part.
	InputPersisted bool
}

// NewBuilder returns a Builder with the standard assembler and a window-sized compressor.
func NewBuilder(source HistorySource, window int, template string) *Builder {
	if window <= 0 {
		window = DefaultWindow
	}
	if strings.TrimSpace(template) == "" {
		template = DefaultSystemTemplate
	}
	return &Builder{
		Source:     source,
		Compressor: &SimpleCompressor{MaxMessages: window},
		Assembler:  &StandardAssembler{},
		Window:     window,
		Template:   template,
		Now:        time.Now,
	}
}

// SystemPrompt renders the system instruction for the given instant.
func (b *Builder) SystemPrompt(now time.Time) string {
	return strings.ReplaceAll(b.Template, DatePlaceholder, now.Format("2006-01-02"))
}

// Build returns [system, recent turns..., user]. History is read fresh and the
// date is evaluated at call time.
func (b *Builder) Build(ctx context.Context, userID, newMessage string) ([]Message, error) {
	limit := b.Window
	if b.InputPersisted {
		limit++
	}
	turns, err := b.Source.Recent(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if b.InputPersisted {
		turns = dropStoredInput(turns, newMessage)
	}
	past := b.Compressor.Compress(FromTurns(turns))
	return b.Assembler.Assemble(b.SystemPrompt(b.now()), past, newMessage), nil
}

func (b *Builder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

// dropStoredInput removes the stored copy of the message being answered: the
// newest user turn with the same content. Turns of other devices may have
// been persisted after it.
func dropStoredInput(turns []history.Turn, newMessage string) []history.Turn {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == history.RoleUser && turns[i].Content == newMessage {
			return append(turns[:i:i], turns[i+1:]...)
		}
	}
	return turns
}
