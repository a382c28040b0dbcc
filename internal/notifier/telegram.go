package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jpillora/backoff"

	"github.com/amirphl/stop-trigger/internal/utils"
)

const telegramAPI = "https://api.telegram.org"

type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration

	apiBase string
	client  *http.Client
}

func NewTelegramNotifier(token, chatID string, retries int, delay time.Duration) *TelegramNotifier {
	if retries < 1 {
		retries = 1
	}
	return &TelegramNotifier{
		Token:   token,
		ChatID:  chatID,
		Retries: retries,
		Delay:   delay,
		apiBase: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry tries Send up to Retries times, waiting Delay in between. A
// done ctx cuts the wait short and returns the last send error.
func (t *TelegramNotifier) SendWithRetry(ctx context.Context, message string) error {
	b := &backoff.Backoff{Min: t.Delay, Max: t.Delay, Factor: 1}
	var err error
	for attempt := 1; attempt <= t.Retries; attempt++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		utils.GetLogger().Warnf("Notifier | telegram attempt %d/%d failed: %v", attempt, t.Retries, err)
		if attempt == t.Retries {
			break
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			utils.GetLogger().Warnf("Notifier | telegram retries abandoned: %v", ctx.Err())
			return err
		}
	}
	return err
}
