package telegram

import (
	"fmt"
	"strings"
	"time"
)

// Caption context lines.
const (
	ExtraCurrent = "Поточний графік."
	ExtraButton  = "Запит вручну."
	ExtraText    = "Запит текстом."
)

const timestampLayout = "02.01.2006 15:04:05"

// Formatter renders subscriber-facing texts in the configured timezone.
type Formatter struct {
	loc *time.Location
}

// NewFormatter creates a formatter. A nil location means UTC.
func NewFormatter(loc *time.Location) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	return &Formatter{loc: loc}
}

// Timestamp formats now as dd.mm.yyyy hh:mm:ss.
func (f *Formatter) Timestamp(now time.Time) string {
	return now.In(f.loc).Format(timestampLayout)
}

// Caption builds the photo caption, with extra on a second line if set.
func (f *Formatter) Caption(now time.Time, extra string) string {
	caption := "Оновлено: " + f.Timestamp(now)
	if extra != "" {
		caption += "\n" + extra
	}
	return caption
}

// CheckFailed is broadcast when a background check fails.
func (*Formatter) CheckFailed(err error) string {
	return fmt.Sprintf("Помилка при перевірці сайту, спробую знову.\nДеталі: %v", err)
}

// Welcome greets a chat on /start.
func (*Formatter) Welcome() string {
	return "Привіт! Я надсилатиму оновлення графіка, коли він зміниться.\nНатисни кнопку нижче або напиши “графік”."
}

// Hint answers text without a schedule keyword.
func (*Formatter) Hint() string {
	return "Напиши “графік” або натисни кнопку “Графік зараз”."
}

// RequestFailed reports a failed manual request. The wording depends on how it was triggered.
func (*Formatter) RequestFailed(extra string, err error) string {
	switch extra {
	case ExtraCurrent:
		return fmt.Sprintf("Не зміг отримати графік зараз. Помилка: %v", err)
	case ExtraButton:
		return fmt.Sprintf("Помилка, спробуй знову пізніше.\nДеталі: %v", err)
	default:
		return fmt.Sprintf("Помилка, спробуй знову.\nДеталі: %v", err)
	}
}

// Status renders the /status reply.
func (*Formatter) Status(subscribers int, lastReference, site string, interval time.Duration) string {
	if lastReference == "" {
		lastReference = "ще немає"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Підписників: %d\n", subscribers)
	fmt.Fprintf(&b, "Останній URL: %s\n", lastReference)
	fmt.Fprintf(&b, "Сайт: %s\n", site)
	fmt.Fprintf(&b, "Інтервал: %d сек", int64(interval.Round(time.Second)/time.Second))
	return b.String()
}

// SubscribeFailed reports that the chat could not be saved as a subscriber.
func (*Formatter) SubscribeFailed(err error) string {
	return fmt.Sprintf("Не вдалося зберегти підписку, спробуй ще раз.\nДеталі: %v", err)
}
