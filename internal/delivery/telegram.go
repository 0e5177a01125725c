package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const (
	telegramPrefix    = "telegram:"
	telegramTextLimit = 4096
)

// TelegramSender sends chat messages with a bot token. The bot runs offline:
// it never polls for updates, it only calls sendMessage.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b}, nil
}

type telegramTarget struct {
	ChatID   int64
	ThreadID int
}

// parseTelegramDestination parses "telegram:<chat_id>[/<thread_id>]".
func parseTelegramDestination(dest string) (telegramTarget, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dest), telegramPrefix)
	if !ok {
		return telegramTarget{}, Permanent(fmt.Errorf("not a telegram destination"))
	}
	chatPart, threadPart, hasThread := strings.Cut(rest, "/")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return telegramTarget{}, Permanent(fmt.Errorf("invalid telegram chat id %q", chatPart))
	}
	t := telegramTarget{ChatID: chatID}
	if hasThread {
		tid, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || tid <= 0 {
			return telegramTarget{}, Permanent(fmt.Errorf("invalid telegram thread id %q", threadPart))
		}
		t.ThreadID = tid
	}
	return t, nil
}

func (s *TelegramSender) SendChat(ctx context.Context, destination, text string) error {
	to, err := parseTelegramDestination(destination)
	if err != nil {
		return err
	}
	if r := []rune(text); len(r) > telegramTextLimit {
		text = string(r[:telegramTextLimit-1]) + "…"
	}

	// telebot has no context support; bound the call by ctx ourselves.
	errCh := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
			ThreadID:              to.ThreadID,
			DisableWebPagePreview: true,
		})
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return classifyTelegram(err)
	case <-ctx.Done():
		return Transient(ctx.Err())
	}
}

func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusTooManyRequests || te.Code >= 500:
			return Transient(err)
		case te.Code >= 400:
			// Unknown chat, bot kicked, bad request.
			return Permanent(err)
		}
	}
	if IsTransient(err) {
		return Transient(err)
	}
	return Permanent(err)
}
